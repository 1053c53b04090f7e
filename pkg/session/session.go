// Package session implements the chat session protocol client: one Session
// owns a transport connection, the conversation state machine, the transcript
// and the image upload queue, and reconnects after unrequested closes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/metrics"
	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
	"github.com/go-go-golems/tutor-chat/pkg/transport"
	"github.com/go-go-golems/tutor-chat/pkg/upload"
)

// ConnState is the connection state reported to subscribers.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateConnected      ConnState = "connected"
	StateConnectionLost ConnState = "connection_lost"
)

// StatusEvent is one connection state change. Attempt counts reconnect
// attempts since the connection was lost; it is zero otherwise.
type StatusEvent struct {
	State   ConnState
	Attempt int
	Err     error
}

// UploadEvent reports image refs that changed and the visible queue after
// the change.
type UploadEvent struct {
	Changed []transcript.ImageRef
	Queue   []transcript.ImageRef
}

// State is a point-in-time view of the session.
type State struct {
	ThreadID         string
	Connection       ConnState
	Phase            Phase
	Busy             bool
	PendingInterrupt *Interrupt
	Attempt          int
	LastError        error
}

type event struct {
	change *transcript.Change
	status *StatusEvent
	upload *UploadEvent
	auth   *protocol.AuthResponseFrame
}

type Option func(*Session)

// WithThreadID resumes an existing thread instead of starting a new one.
func WithThreadID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.threadID = id
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithUploadAckTimeout fails uploads that get no response in time. Zero
// waits forever.
func WithUploadAckTimeout(d time.Duration) Option {
	return func(s *Session) { s.ackTimeout = d }
}

// WithHistory seeds the transcript with a restored conversation.
func WithHistory(msgs []transcript.Message) Option {
	return func(s *Session) { s.history = msgs }
}

// WithGreeting adds an assistant message to a thread that starts empty.
func WithGreeting(text string) Option {
	return func(s *Session) { s.greeting = text }
}

// Session is safe for concurrent use. Frame handling and user actions run
// under one mutex; subscribers are called after it is released, in the order
// the changes happened.
type Session struct {
	transport  transport.Transport
	policy     ReconnectPolicy
	ackTimeout time.Duration
	metrics    *metrics.Collector
	logger     zerolog.Logger
	threadID   string
	history    []transcript.Message
	greeting   string

	store   *transcript.Store
	uploads *upload.Coordinator

	mu      sync.Mutex
	machine *Machine
	conn    transport.Conn
	gen     uint64
	state   ConnState
	lastErr error
	ctx     context.Context
	bo      backoff.BackOff
	attempt int
	timer   *time.Timer

	outbox     []event
	delivering bool

	transcriptSubs registry[transcript.Change]
	statusSubs     registry[StatusEvent]
	uploadSubs     registry[UploadEvent]
	authSubs       registry[*protocol.AuthResponseFrame]

	wg sync.WaitGroup
}

func New(t transport.Transport, opts ...Option) *Session {
	s := &Session{
		transport: t,
		policy:    DefaultReconnectPolicy(),
		logger:    log.With().Str("component", "session").Logger(),
		state:     StateDisconnected,
		store:     transcript.NewStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.threadID == "" {
		s.threadID = uuid.NewString()
	}
	s.logger = s.logger.With().Str("thread_id", s.threadID).Logger()
	s.uploads = upload.NewCoordinator(upload.WithLogger(s.logger.With().Str("component", "upload").Logger()))
	s.machine = NewMachine(s.threadID, s.store, s.uploads, s.logger)

	if len(s.history) > 0 {
		s.store.Load(s.history)
	} else if s.greeting != "" {
		s.store.Append(transcript.NewAssistantText(s.greeting))
	}
	s.history = nil

	// every store mutation happens under s.mu
	s.store.Subscribe(func(c transcript.Change) {
		s.outbox = append(s.outbox, event{change: &c})
	})
	return s
}

func (s *Session) ThreadID() string { return s.threadID }

// Snapshot returns the current transcript.
func (s *Session) Snapshot() *transcript.Snapshot { return s.store.Snapshot() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	phase := s.machine.Phase()
	if s.state != StateConnected {
		phase = PhaseDisconnected
	}
	return State{
		ThreadID:         s.threadID,
		Connection:       s.state,
		Phase:            phase,
		Busy:             s.machine.Busy(),
		PendingInterrupt: s.machine.PendingInterrupt(),
		Attempt:          s.attempt,
		LastError:        s.lastErr,
	}
}

// Uploads returns the visible image queue.
func (s *Session) Uploads() []transcript.ImageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads.Queue()
}

// Connect dials the transport. The context also bounds later reconnect
// attempts. Connecting an already connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateConnected {
		s.unlock()
		return nil
	}
	s.stopTimerLocked()
	s.ctx = ctx
	s.bo = nil
	s.attempt = 0
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting, nil)
	s.unlock()

	conn, err := s.transport.Dial(ctx)

	s.mu.Lock()
	if gen != s.gen {
		s.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return errors.New("connect superseded")
	}
	if err != nil {
		s.setStateLocked(StateDisconnected, err)
		s.unlock()
		return errors.Wrap(err, "connect")
	}
	s.attachLocked(conn)
	s.unlock()
	return nil
}

// Disconnect closes the connection without reconnecting. A turn in flight is
// abandoned; a pending interrupt is kept.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.gen++
	s.stopTimerLocked()
	conn := s.conn
	s.conn = nil
	s.bo = nil
	s.attempt = 0
	s.machine.Halt()
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected, nil)
	}
	s.unlock()

	if conn == nil {
		return nil
	}
	return errors.Wrap(conn.Close(), "close transport")
}

// Close disconnects and waits for the reader and upload goroutines.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.wg.Wait()
	return err
}

// SendUserMessage sends text as a new turn or, when the agent is waiting for
// an answer, as the answer to its question. It returns without waiting for
// the backend; the response arrives through the transcript.
func (s *Session) SendUserMessage(text string) error {
	s.mu.Lock()
	defer s.unlock()
	return s.sendLocked(text)
}

// AnswerInterrupt is SendUserMessage restricted to a pending interrupt.
func (s *Session) AnswerInterrupt(answer string) error {
	s.mu.Lock()
	defer s.unlock()
	if s.machine.PendingInterrupt() == nil {
		return ErrNoPendingInterrupt
	}
	return s.sendLocked(answer)
}

func (s *Session) sendLocked(text string) error {
	if s.machine.Busy() {
		return ErrBusy
	}
	if s.conn == nil {
		return transport.ErrNotConnected
	}
	turn, err := s.machine.BeginTurn(text)
	if err != nil {
		return err
	}
	env, err := protocol.NewChatRequestEnvelope(turn.Request)
	if err == nil {
		err = s.conn.Send(env)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("chat request not sent")
		s.machine.AbortTurn(turn, err)
		return errors.Wrap(err, "send chat request")
	}
	s.metrics.Turn(turn.Resume)
	s.logger.Debug().
		Bool("resume", turn.Resume).
		Int("history", len(turn.Request.History)).
		Int("images", len(turn.Request.CurrentImagePaths)).
		Msg("chat request sent")

	if taken := s.machine.CommitTurn(turn); len(taken) > 0 {
		s.emitUploadLocked(taken...)
	}
	return nil
}

// SendImage queues an image and uploads it in the background. The returned
// ref is Queued; progress is reported to upload subscribers.
func (s *Session) SendImage(filename string, data []byte) (transcript.ImageRef, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.conn == nil {
		return transcript.ImageRef{}, transport.ErrNotConnected
	}
	ref := s.uploads.Enqueue(filename, data)
	s.emitUploadLocked(ref)
	s.wg.Add(1)
	go s.runUpload(ref.Handle)
	return ref, nil
}

// RemoveImage drops a queued image so it is not attached to the next message.
func (s *Session) RemoveImage(handle string) bool {
	s.mu.Lock()
	defer s.unlock()
	ref, ok := s.uploads.Get(handle)
	if !ok || !s.uploads.Remove(handle) {
		return false
	}
	s.emitUploadLocked(ref)
	return true
}

// Authenticate sends a login or register request. The answer is delivered to
// SubscribeAuth listeners.
func (s *Session) Authenticate(req protocol.AuthRequest) error {
	s.mu.Lock()
	defer s.unlock()
	if s.conn == nil {
		return transport.ErrNotConnected
	}
	env, err := protocol.NewAuthRequestEnvelope(req)
	if err != nil {
		return err
	}
	return errors.Wrap(s.conn.Send(env), "send auth request")
}

func (s *Session) runUpload(handle string) {
	defer s.wg.Done()

	s.mu.Lock()
	ref, data, err := s.uploads.BeginEncoding(handle)
	if err != nil {
		s.unlock()
		return
	}
	s.emitUploadLocked(ref)
	s.unlock()

	env, err := protocol.NewImageUploadEnvelope(handle, upload.Encode(ref.Filename, data))

	s.mu.Lock()
	defer s.unlock()
	if cur, ok := s.uploads.Get(handle); !ok || cur.Status != transcript.ImageEncoding {
		// removed or failed while encoding
		return
	}
	if err == nil && s.conn == nil {
		err = transport.ErrNotConnected
	}
	if err == nil {
		err = s.conn.Send(env)
	}
	if err != nil {
		s.failUploadLocked(handle, err.Error())
		return
	}
	sent, err := s.uploads.MarkSent(handle)
	if err != nil {
		return
	}
	s.emitUploadLocked(sent)
	if s.ackTimeout > 0 {
		time.AfterFunc(s.ackTimeout, s.expireUploads)
	}
}

func (s *Session) expireUploads() {
	s.mu.Lock()
	defer s.unlock()
	expired := s.uploads.Expired(s.ackTimeout)
	for range expired {
		s.metrics.Upload(string(transcript.ImageFailed))
	}
	if len(expired) > 0 {
		s.emitUploadLocked(expired...)
	}
}

func (s *Session) failUploadLocked(handle, reason string) {
	if ref, ok := s.uploads.Fail(handle, reason); ok {
		s.metrics.Upload(string(transcript.ImageFailed))
		s.emitUploadLocked(ref)
	}
}

func (s *Session) attachLocked(conn transport.Conn) {
	s.conn = conn
	s.bo = nil
	s.attempt = 0
	s.setStateLocked(StateConnected, nil)
	s.wg.Add(1)
	go s.readLoop(s.gen, conn)
}

// readLoop consumes one connection. Frames close before the final Closed
// status, so draining them on Closed handles every delivered frame before the
// loss is processed.
func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	defer s.wg.Done()
	frames := conn.Frames()
	status := conn.Status()
	var lastErr error
	for frames != nil || status != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.handleFrame(gen, f)
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			switch st.State {
			case transport.StateError:
				lastErr = st.Err
			case transport.StateClosed:
				if frames != nil {
					for f := range frames {
						s.handleFrame(gen, f)
					}
					frames = nil
				}
				s.connectionClosed(gen, lastErr)
			case transport.StateOpen, transport.StateConnecting:
			}
		}
	}
}

func (s *Session) handleFrame(gen uint64, f protocol.Frame) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	s.metrics.FrameReceived(f.FrameType())
	out := s.machine.Apply(f)
	if out.Upload != nil {
		s.metrics.Upload(string(out.Upload.Status))
		s.emitUploadLocked(*out.Upload)
	}
	if out.Auth != nil {
		s.outbox = append(s.outbox, event{auth: out.Auth})
	}
}

func (s *Session) connectionClosed(gen uint64, err error) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	s.conn = nil
	if s.machine.ConnectionLost() {
		s.logger.Warn().Msg("turn abandoned by connection loss")
	}
	for _, ref := range s.uploads.Queue() {
		if ref.Status == transcript.ImageSent || ref.Status == transcript.ImageEncoding {
			s.failUploadLocked(ref.Handle, "connection lost")
		}
	}
	s.logger.Warn().Err(err).Msg("connection lost")
	s.scheduleReconnectLocked(err)
}

func (s *Session) scheduleReconnectLocked(err error) {
	if s.bo == nil {
		s.bo = s.policy.NewBackOff()
	}
	delay := s.bo.NextBackOff()
	if delay == backoff.Stop || s.ctx == nil || s.ctx.Err() != nil {
		s.metrics.Reconnect("exhausted")
		s.bo = nil
		s.logger.Error().Err(err).Int("attempts", s.attempt).Msg("giving up reconnecting")
		s.setStateLocked(StateConnectionLost, err)
		return
	}
	s.attempt++
	s.gen++
	gen := s.gen
	s.setStateLocked(StateDisconnected, err)
	s.logger.Info().Dur("delay", delay).Int("attempt", s.attempt).Msg("scheduling reconnect")
	s.timer = time.AfterFunc(delay, func() { s.reconnect(gen) })
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.unlock()
		return
	}
	s.timer = nil
	ctx := s.ctx
	s.setStateLocked(StateConnecting, nil)
	s.unlock()

	conn, err := s.transport.Dial(ctx)

	s.mu.Lock()
	if gen != s.gen {
		s.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.metrics.Reconnect("failure")
		s.logger.Warn().Err(err).Int("attempt", s.attempt).Msg("reconnect failed")
		s.scheduleReconnectLocked(err)
		s.unlock()
		return
	}
	s.metrics.Reconnect("success")
	s.logger.Info().Int("attempt", s.attempt).Msg("reconnected")
	s.attachLocked(conn)
	s.unlock()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) setStateLocked(state ConnState, err error) {
	s.state = state
	s.lastErr = err
	s.outbox = append(s.outbox, event{status: &StatusEvent{State: state, Attempt: s.attempt, Err: err}})
}

func (s *Session) emitUploadLocked(changed ...transcript.ImageRef) {
	s.outbox = append(s.outbox, event{upload: &UploadEvent{
		Changed: changed,
		Queue:   s.uploads.Queue(),
	}})
}
