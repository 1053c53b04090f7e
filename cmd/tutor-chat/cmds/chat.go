package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/tutor-chat/pkg/config"
	"github.com/go-go-golems/tutor-chat/pkg/metrics"
	"github.com/go-go-golems/tutor-chat/pkg/mirror"
	"github.com/go-go-golems/tutor-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/redisstream"
	"github.com/go-go-golems/tutor-chat/pkg/render"
	"github.com/go-go-golems/tutor-chat/pkg/session"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
	"github.com/go-go-golems/tutor-chat/pkg/transport"
)

type chatFlags struct {
	threadID string
	noStore  bool
}

func (a *app) newChatCommand() *cobra.Command {
	f := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive tutoring session",
		Long: "Start an interactive tutoring session. Pass --thread-id to resume a " +
			"stored conversation; type /help inside the session for commands.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd, map[string]string{
				"endpoint":     "endpoint",
				"transport":    "transport",
				"db":           "store.dsn",
				"greeting":     "greeting",
				"metrics-addr": "metrics.addr",
				"max-attempts": "reconnect.max-attempts",
			})
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, f)
		},
	}
	cmd.Flags().String("endpoint", "", "backend endpoint, ws://host:port or http://host:port")
	cmd.Flags().String("transport", config.TransportWebSocket, "transport: ws or http")
	cmd.Flags().String("db", "", "sqlite file or DSN for stored threads")
	cmd.Flags().String("greeting", "", "assistant greeting for a new thread")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().Int("max-attempts", session.DefaultReconnectMaxAttempts, "reconnect attempts after the connection drops")
	cmd.Flags().StringVar(&f.threadID, "thread-id", "", "resume this thread")
	cmd.Flags().BoolVar(&f.noStore, "no-store", false, "do not persist the conversation")
	return cmd
}

func buildTransport(cfg *config.Config, collector *metrics.Collector) transport.Transport {
	opts := []transport.Option{
		transport.WithDecodeErrorHandler(func(err error) { collector.DecodeError() }),
	}
	if cfg.Transport == config.TransportHTTP {
		return transport.NewHTTPStream(cfg.Endpoint, transport.WithStreamOptions(opts...))
	}
	return transport.NewWebSocket(cfg.Endpoint,
		transport.WithPingInterval(cfg.WebSocket.PingInterval),
		transport.WithSendBuffer(cfg.WebSocket.SendBuffer),
		transport.WithTransportOptions(opts...),
	)
}

func copyToClipboard(text string) error {
	return clipboard.WriteAll(text)
}

func runChat(parent context.Context, cfg *config.Config, f *chatFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.With().Str("component", "chat").Logger()
	collector := metrics.New()

	var store *chatstore.SQLiteTranscriptStore
	if !f.noStore {
		var err error
		store, err = openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	opts := []session.Option{
		session.WithMetrics(collector),
		session.WithReconnectPolicy(cfg.Reconnect.Policy()),
		session.WithUploadAckTimeout(cfg.Upload.AckTimeout),
		session.WithGreeting(cfg.Greeting),
	}
	if f.threadID != "" {
		opts = append(opts, session.WithThreadID(f.threadID))
		if store != nil {
			history, _, err := store.LoadTranscript(ctx, f.threadID)
			if err != nil {
				return errors.Wrapf(err, "load thread %s", f.threadID)
			}
			logger.Info().Str("thread_id", f.threadID).Int("messages", len(history)).Msg("resuming thread")
			opts = append(opts, session.WithHistory(history))
		}
	}

	sess := session.New(buildTransport(cfg, collector), opts...)
	defer func() { _ = sess.Close() }()

	out := &printer{w: os.Stdout}
	renderer := render.New(os.Stdout)

	if store != nil {
		rec := chatstore.NewRecorder(store, sess.ThreadID(), chatstore.WithEndpoint(cfg.Endpoint))
		if err := rec.Sync(ctx, sess.Snapshot()); err != nil {
			return errors.Wrap(err, "store thread")
		}
		defer sess.SubscribeTranscript(rec.Record)()
		defer sess.SubscribeStatus(func(ev session.StatusEvent) {
			status := chatstore.ThreadConnectionLost
			switch ev.State {
			case session.StateConnectionLost:
			case session.StateConnected:
				status = chatstore.ThreadActive
			default:
				return
			}
			if err := rec.MarkStatus(context.Background(), status, ev.Err); err != nil {
				logger.Warn().Err(err).Str("status", status).Msg("failed to record thread status")
			}
		})()
		defer func() {
			if sess.State().Connection == session.StateConnectionLost {
				return
			}
			if err := rec.MarkStatus(context.Background(), chatstore.ThreadClosed, nil); err != nil {
				logger.Warn().Err(err).Msg("failed to close thread")
			}
		}()
	}

	if cfg.Redis.Enabled {
		client := redisstream.NewClient(cfg.Redis)
		pub, err := redisstream.BuildPublisher(client)
		if err != nil {
			_ = client.Close()
			return err
		}
		m := mirror.NewPublisher(pub, cfg.Redis.Topic(sess.ThreadID()), sess.ThreadID(), mirror.WithCloser(client.Close))
		defer func() {
			if err := m.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close transcript mirror")
			}
		}()
		defer sess.SubscribeTranscript(m.Record)()
		logger.Info().Str("topic", m.Topic()).Msg("mirroring transcript to redis")
	}

	out.Println(renderer.Transcript(sess.Snapshot().Messages))
	shown := ""
	defer sess.SubscribeTranscript(func(c transcript.Change) {
		if c.Kind == transcript.ChangeLoaded {
			out.Println(renderer.Transcript(c.Snapshot.Messages))
			return
		}
		if c.Kind != transcript.ChangeAppended || (c.Message.Role == transcript.RoleUser && c.Message.Kind == transcript.KindText) {
			return
		}
		out.Println(renderer.Message(c.Message))
		if in := sess.State().PendingInterrupt; in != nil && in.ToolCallID != shown {
			shown = in.ToolCallID
			out.Println(renderer.Interrupt(in))
		}
	})()
	defer sess.SubscribeStatus(func(ev session.StatusEvent) {
		out.Println(renderer.Status(ev))
	})()
	defer sess.SubscribeUploads(func(ev session.UploadEvent) {
		for _, ref := range ev.Changed {
			out.Println(renderer.Upload(ref))
		}
	})()
	defer sess.SubscribeAuth(func(resp *protocol.AuthResponseFrame) {
		out.Println(renderer.Auth(resp))
	})()

	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := sess.Connect(ctx); err != nil {
		cancel()
		_ = eg.Wait()
		return err
	}
	logger.Info().Str("thread_id", sess.ThreadID()).Str("transport", cfg.Transport).Msg("session started")

	eg.Go(func() error {
		defer cancel()
		return newREPL(sess, renderer, os.Stdin, out).Run(ctx)
	})
	return eg.Wait()
}
