package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

// InMemoryTranscriptStore is a size-limited, in-memory TranscriptStore. It
// mirrors the ordering semantics of the SQLite store.
type InMemoryTranscriptStore struct {
	mu                   sync.Mutex
	maxMessagesPerThread int
	transcripts          map[string]*inMemTranscript
	threads              map[string]ThreadRecord
}

type inMemTranscript struct {
	version  uint64
	messages map[string]inMemMessage
}

type inMemMessage struct {
	seq int
	msg transcript.Message
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxMessagesPerThread int) *InMemoryTranscriptStore {
	if maxMessagesPerThread <= 0 {
		maxMessagesPerThread = 5000
	}
	return &InMemoryTranscriptStore{
		maxMessagesPerThread: maxMessagesPerThread,
		transcripts:          map[string]*inMemTranscript{},
		threads:              map[string]ThreadRecord{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) UpsertThread(_ context.Context, record ThreadRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	now := time.Now().UnixMilli()
	record = normalizeThreadRecord(record, now)
	if record.ThreadID == "" {
		return errors.New("in-memory transcript store: threadID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[record.ThreadID] = mergeThreadRecord(s.threads[record.ThreadID], record, now)
	return nil
}

func (s *InMemoryTranscriptStore) GetThread(_ context.Context, threadID string) (ThreadRecord, bool, error) {
	if s == nil {
		return ThreadRecord{}, false, errors.New("in-memory transcript store: nil store")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ThreadRecord{}, false, errors.New("in-memory transcript store: threadID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.threads[threadID]
	return record, ok, nil
}

func (s *InMemoryTranscriptStore) ListThreads(_ context.Context, limit int, sinceMs int64) ([]ThreadRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ThreadRecord, 0, len(s.threads))
	for _, record := range s.threads {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].ThreadID < records[j].ThreadID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryTranscriptStore) UpsertMessage(_ context.Context, threadID string, seq int, version uint64, msg transcript.Message) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	if threadID == "" {
		return errors.New("in-memory transcript store: threadID is empty")
	}
	if version == 0 {
		return errors.New("in-memory transcript store: version is 0")
	}
	if msg.ID == "" {
		return errors.New("in-memory transcript store: message id is empty")
	}
	if seq < 0 {
		return errors.New("in-memory transcript store: negative seq")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[threadID]
	if !ok {
		t = &inMemTranscript{messages: map[string]inMemMessage{}}
		s.transcripts[threadID] = t
	}
	if _, exists := t.messages[msg.ID]; !exists && len(t.messages) >= s.maxMessagesPerThread {
		return errors.Errorf("in-memory transcript store: thread %s is full", threadID)
	}
	t.messages[msg.ID] = inMemMessage{seq: seq, msg: msg.Clone()}
	if version > t.version {
		t.version = version
	}

	now := time.Now().UnixMilli()
	s.threads[threadID] = mergeThreadRecord(s.threads[threadID], ThreadRecord{
		ThreadID:        threadID,
		LastActivityMs:  now,
		LastSeenVersion: t.version,
		MessageCount:    len(t.messages),
	}, now)
	return nil
}

func (s *InMemoryTranscriptStore) LoadTranscript(_ context.Context, threadID string) ([]transcript.Message, uint64, error) {
	if s == nil {
		return nil, 0, errors.New("in-memory transcript store: nil store")
	}
	if threadID == "" {
		return nil, 0, errors.New("in-memory transcript store: threadID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[threadID]
	if !ok {
		return []transcript.Message{}, 0, nil
	}
	entries := make([]inMemMessage, 0, len(t.messages))
	for _, e := range t.messages {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq == entries[j].seq {
			return entries[i].msg.ID < entries[j].msg.ID
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]transcript.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg.Clone())
	}
	return out, t.version, nil
}
