// Package mirror republishes transcript changes on a Watermill topic so other
// processes can follow a conversation.
package mirror

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

// Event is the wire form of one mirrored transcript change.
type Event struct {
	ThreadID string                `json:"thread_id"`
	Kind     transcript.ChangeKind `json:"kind"`
	Version  uint64                `json:"version"`
	Message  *transcript.Message   `json:"message,omitempty"`
	// Messages is set for ChangeLoaded only.
	Messages []transcript.Message `json:"messages,omitempty"`
}

func EventFromChange(threadID string, c transcript.Change) Event {
	ev := Event{ThreadID: threadID, Kind: c.Kind}
	if c.Snapshot != nil {
		ev.Version = c.Snapshot.Version
	}
	if c.Kind == transcript.ChangeLoaded {
		if c.Snapshot != nil {
			ev.Messages = c.Snapshot.Messages
		}
		return ev
	}
	msg := c.Message
	ev.Message = &msg
	return ev
}

// Publisher publishes transcript changes of one thread to a topic.
type Publisher struct {
	pub    message.Publisher
	topic  string
	thread string
	logger zerolog.Logger

	closers []func() error
	once    sync.Once
}

type Option func(*Publisher)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithCloser registers a resource released by Close after the publisher, such
// as the redis client backing it.
func WithCloser(fn func() error) Option {
	return func(p *Publisher) {
		if fn != nil {
			p.closers = append(p.closers, fn)
		}
	}
}

func NewPublisher(pub message.Publisher, topic, threadID string, opts ...Option) *Publisher {
	p := &Publisher{
		pub:    pub,
		topic:  topic,
		thread: threadID,
		logger: log.With().Str("component", "mirror").Str("thread_id", threadID).Str("topic", topic).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Topic() string { return p.topic }

// Publish sends one change. It blocks for as long as the underlying
// publisher does.
func (p *Publisher) Publish(c transcript.Change) error {
	payload, err := json.Marshal(EventFromChange(p.thread, c))
	if err != nil {
		return errors.Wrap(err, "marshal mirror event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("thread_id", p.thread)
	msg.Metadata.Set("kind", string(c.Kind))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", p.topic)
	}
	return nil
}

// Record is a transcript listener; failures are logged and dropped.
func (p *Publisher) Record(c transcript.Change) {
	if err := p.Publish(c); err != nil {
		p.logger.Warn().Err(err).Str("kind", string(c.Kind)).Msg("failed to mirror transcript change")
	}
}

func (p *Publisher) Close() error {
	var result error
	p.once.Do(func() {
		if err := p.pub.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close publisher"))
		}
		for _, fn := range p.closers {
			if err := fn(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result
}

// Tail subscribes to topic and decodes mirrored events until ctx is done.
// Messages that fail to decode are acked and skipped.
func Tail(ctx context.Context, sub message.Subscriber, topic string) (<-chan Event, error) {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}
	logger := log.With().Str("component", "mirror").Str("topic", topic).Logger()
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("skipping undecodable mirror event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}
