package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tutor-chat/pkg/mirror"
	"github.com/go-go-golems/tutor-chat/pkg/redisstream"
	"github.com/go-go-golems/tutor-chat/pkg/render"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

func (a *app) newTailCommand() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a thread mirrored to Redis Streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd, map[string]string{
				"redis-addr":   "redis.addr",
				"redis-stream": "redis.stream",
				"group":        "redis.group",
			})
			if err != nil {
				return err
			}
			settings := cfg.Redis
			// tailing does not depend on the mirror being enabled for chat
			settings.Enabled = true
			if err := settings.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tail(ctx, settings, threadID)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread to follow")
	cmd.Flags().String("redis-addr", "", "redis address host:port")
	cmd.Flags().String("redis-stream", "", "stream prefix the chat mirrors to")
	cmd.Flags().String("group", "", "consumer group")
	_ = cmd.MarkFlagRequired("thread-id")
	return cmd
}

func tail(ctx context.Context, s redisstream.Settings, threadID string) error {
	client := redisstream.NewClient(s)
	defer func() { _ = client.Close() }()

	topic := s.Topic(threadID)
	if err := redisstream.EnsureGroupAtTail(ctx, client, topic, s.Group); err != nil {
		return err
	}
	consumer := s.Consumer
	if consumer == "" {
		consumer = "tail-" + uuid.NewString()[:8]
	}
	sub, err := redisstream.BuildGroupSubscriber(client, s.Group, consumer)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	events, err := mirror.Tail(ctx, sub, topic)
	if err != nil {
		return err
	}
	log.Info().Str("topic", topic).Str("group", s.Group).Msg("following thread")

	out := &printer{w: os.Stdout}
	renderer := render.New(os.Stdout)
	for ev := range events {
		switch ev.Kind {
		case transcript.ChangeLoaded:
			out.Println(renderer.Transcript(ev.Messages))
		case transcript.ChangeAppended:
			if ev.Message != nil {
				out.Println(renderer.Message(*ev.Message))
			}
		case transcript.ChangeUpdated:
			if ev.Message == nil {
				continue
			}
			log.Debug().Str("message_id", ev.Message.ID).Msg("message revised")
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
