package chatstore

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxTitleRunes       = 60
)

// Recorder writes transcript changes of one thread to a TranscriptStore. Its
// Record method is meant to be registered as a transcript subscriber.
type Recorder struct {
	store    TranscriptStore
	threadID string
	endpoint string
	timeout  time.Duration
	logger   zerolog.Logger

	titled bool
}

type RecorderOption func(*Recorder)

func WithRecorderLogger(l zerolog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithEndpoint stores the backend endpoint on the thread record.
func WithEndpoint(endpoint string) RecorderOption {
	return func(r *Recorder) { r.endpoint = endpoint }
}

func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRecorder(store TranscriptStore, threadID string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    store,
		threadID: threadID,
		timeout:  defaultWriteTimeout,
		logger:   log.With().Str("component", "chatstore").Str("thread_id", threadID).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync writes the thread record and every message of snap, marking the
// thread active.
func (r *Recorder) Sync(ctx context.Context, snap *transcript.Snapshot) error {
	record := ThreadRecord{
		ThreadID:        r.threadID,
		Endpoint:        r.endpoint,
		LastSeenVersion: snap.Version,
		MessageCount:    snap.Len(),
		Status:          ThreadActive,
	}
	if title := titleFrom(snap.Messages); title != "" {
		record.Title = title
		r.titled = true
	}
	if err := r.store.UpsertThread(ctx, record); err != nil {
		return err
	}
	version := snap.Version
	if version == 0 {
		version = 1
	}
	for i, msg := range snap.Messages {
		if err := r.store.UpsertMessage(ctx, r.threadID, i, version, msg); err != nil {
			return errors.Wrapf(err, "sync message %d", i)
		}
	}
	return nil
}

// Record persists one transcript change. Failures are logged; the live
// session never depends on the store.
func (r *Recorder) Record(c transcript.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if c.Kind == transcript.ChangeLoaded {
		if err := r.Sync(ctx, c.Snapshot); err != nil {
			r.logger.Warn().Err(err).Msg("failed to persist loaded transcript")
		}
		return
	}

	seq := indexOf(c.Snapshot, c.Message.ID)
	if seq < 0 {
		r.logger.Warn().Str("message_id", c.Message.ID).Msg("changed message missing from snapshot")
		return
	}
	if err := r.store.UpsertMessage(ctx, r.threadID, seq, c.Snapshot.Version, c.Message); err != nil {
		r.logger.Warn().Err(err).Str("message_id", c.Message.ID).Msg("failed to persist message")
		return
	}
	if !r.titled && c.Message.Role == transcript.RoleUser && c.Message.Kind == transcript.KindText {
		if err := r.store.UpsertThread(ctx, ThreadRecord{ThreadID: r.threadID, Title: truncate(c.Message.Text)}); err != nil {
			r.logger.Warn().Err(err).Msg("failed to set thread title")
			return
		}
		r.titled = true
	}
}

// MarkStatus records the thread's connection outcome.
func (r *Recorder) MarkStatus(ctx context.Context, status string, lastErr error) error {
	record := ThreadRecord{ThreadID: r.threadID, Status: status}
	if lastErr != nil {
		record.LastError = lastErr.Error()
	}
	return r.store.UpsertThread(ctx, record)
}

func indexOf(snap *transcript.Snapshot, id string) int {
	if snap == nil {
		return -1
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func titleFrom(msgs []transcript.Message) string {
	for _, m := range msgs {
		if m.Role == transcript.RoleUser && m.Kind == transcript.KindText {
			return truncate(m.Text)
		}
	}
	return ""
}

func truncate(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxTitleRunes-1]) + "…"
}
