// Package transport carries protocol envelopes between the chat session and
// the agent backend. Two implementations share the protocol codec: a
// bidirectional WebSocket and a chunked HTTP response stream.
package transport

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Send when the channel is not open.
	ErrNotConnected = errors.New("transport not connected")
	// ErrSendBufferFull is returned by Send when the write queue is saturated.
	ErrSendBufferFull = errors.New("transport send buffer full")
	// ErrUnsupported is returned for envelope types a transport cannot carry.
	ErrUnsupported = errors.New("envelope type not supported by transport")
)

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// Status is one connection-state transition. Err is set for StateError.
type Status struct {
	State State
	Err   error
}

// Conn is one open channel to the backend. Its status sequence is
// StateConnecting, StateOpen, an optional StateError, then StateClosed.
// Connecting and Open are both buffered by the time Dial returns. Frames is
// closed before the final StateClosed status is delivered, so a reader that
// drains Frames after seeing StateClosed observes every delivered frame.
type Conn interface {
	// Send never blocks on the network. Delivery failures surface as status
	// transitions, not as errors from Send.
	Send(env protocol.Envelope) error
	Frames() <-chan protocol.Frame
	Status() <-chan Status
	Close() error
}

// Transport opens connections. It never retries on its own; every Dial
// starts fresh frame and status sequences.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type options struct {
	logger        zerolog.Logger
	onDecodeError func(error)
	frameBuffer   int
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDecodeErrorHandler is called for every inbound record that was dropped
// because it could not be decoded.
func WithDecodeErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onDecodeError = fn }
}

func WithFrameBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.frameBuffer = n
		}
	}
}

func newOptions(component string, opts []Option) options {
	o := options{
		logger:      log.With().Str("component", component).Logger(),
		frameBuffer: 64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) decodeFailed(err error) {
	if o.onDecodeError != nil {
		o.onDecodeError(err)
	}
}
