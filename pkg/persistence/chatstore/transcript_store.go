// Package chatstore persists chat threads and their transcripts so a session
// can be resumed by thread id.
package chatstore

import (
	"context"
	"strings"

	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

// Thread statuses.
const (
	ThreadActive         = "active"
	ThreadConnectionLost = "connection_lost"
	ThreadClosed         = "closed"
)

// ThreadRecord captures thread-level metadata used for listing and resuming.
// Upserting a record with an empty Status keeps the stored status; a new
// thread starts as ThreadActive.
type ThreadRecord struct {
	ThreadID        string `json:"thread_id" yaml:"thread_id"`
	Title           string `json:"title" yaml:"title"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	CreatedAtMs     int64  `json:"created_at_ms" yaml:"created_at_ms"`
	LastActivityMs  int64  `json:"last_activity_ms" yaml:"last_activity_ms"`
	LastSeenVersion uint64 `json:"last_seen_version" yaml:"last_seen_version"`
	MessageCount    int    `json:"message_count" yaml:"message_count"`
	Status          string `json:"status" yaml:"status"`
	LastError       string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// TranscriptStore is the durable copy of transcripts.
//
// Messages are keyed by (thread, message id) and ordered by their position in
// the transcript, so a revised message keeps its place.
type TranscriptStore interface {
	UpsertMessage(ctx context.Context, threadID string, seq int, version uint64, msg transcript.Message) error
	LoadTranscript(ctx context.Context, threadID string) ([]transcript.Message, uint64, error)
	UpsertThread(ctx context.Context, record ThreadRecord) error
	GetThread(ctx context.Context, threadID string) (ThreadRecord, bool, error)
	ListThreads(ctx context.Context, limit int, sinceMs int64) ([]ThreadRecord, error)
	Close() error
}

func normalizeThreadRecord(record ThreadRecord, now int64) ThreadRecord {
	record.ThreadID = strings.TrimSpace(record.ThreadID)
	record.Title = strings.TrimSpace(record.Title)
	record.Endpoint = strings.TrimSpace(record.Endpoint)
	record.Status = strings.TrimSpace(record.Status)
	record.LastError = strings.TrimSpace(record.LastError)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	return record
}

func mergeThreadRecord(existing, incoming ThreadRecord, now int64) ThreadRecord {
	incoming = normalizeThreadRecord(incoming, now)
	if existing.ThreadID == "" {
		if incoming.Status == "" {
			incoming.Status = ThreadActive
		}
		return incoming
	}
	// an empty status leaves the recorded status and its error alone
	if incoming.Status == "" {
		incoming.Status = existing.Status
		incoming.LastError = existing.LastError
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.LastSeenVersion < existing.LastSeenVersion {
		incoming.LastSeenVersion = existing.LastSeenVersion
	}
	if incoming.MessageCount < existing.MessageCount {
		incoming.MessageCount = existing.MessageCount
	}
	if incoming.Title == "" {
		incoming.Title = existing.Title
	}
	if incoming.Endpoint == "" {
		incoming.Endpoint = existing.Endpoint
	}
	return incoming
}
