package transcript

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrMessageNotFound = errors.New("transcript message not found")

type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeUpdated  ChangeKind = "updated"
	ChangeLoaded   ChangeKind = "loaded"
)

// Snapshot is an immutable view of the transcript at one version.
type Snapshot struct {
	Version  uint64
	Messages []Message
}

// Len returns the number of messages in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Messages)
}

// Change describes one published mutation. Message is the appended or
// revised entry; it is zero for ChangeLoaded.
type Change struct {
	Kind     ChangeKind
	Message  Message
	Snapshot *Snapshot
}

type Listener func(Change)

// Store is the single source of truth for what clients render. Mutations
// publish a fresh snapshot atomically; Snapshot never observes a torn append.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	index     map[string]int
	listeners map[uint64]Listener
	nextID    uint64
}

func NewStore() *Store {
	s := &Store{
		index:     map[string]int{},
		listeners: map[uint64]Listener{},
	}
	s.current.Store(&Snapshot{})
	return s
}

// Snapshot returns the latest published snapshot. Callers must not modify it.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Append adds messages at the end of the transcript, in order, and returns the
// resulting snapshot.
func (s *Store) Append(msgs ...Message) *Snapshot {
	if len(msgs) == 0 {
		return s.Snapshot()
	}

	s.mu.Lock()
	prev := s.current.Load()
	next := &Snapshot{
		Version:  prev.Version + 1,
		Messages: make([]Message, len(prev.Messages), len(prev.Messages)+len(msgs)),
	}
	copy(next.Messages, prev.Messages)
	appended := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m = m.Clone()
		s.index[m.ID] = len(next.Messages)
		next.Messages = append(next.Messages, m)
		appended = append(appended, m)
	}
	s.current.Store(next)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, m := range appended {
		notify(listeners, Change{Kind: ChangeAppended, Message: m, Snapshot: next})
	}
	return next
}

// Update revises the message with the given id in place. fn receives a copy;
// the ID cannot be changed.
func (s *Store) Update(id string, fn func(*Message)) (*Snapshot, error) {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrMessageNotFound, "id %s", id)
	}
	prev := s.current.Load()
	next := &Snapshot{
		Version:  prev.Version + 1,
		Messages: make([]Message, len(prev.Messages)),
	}
	copy(next.Messages, prev.Messages)

	revised := prev.Messages[pos].Clone()
	fn(&revised)
	revised.ID = id
	next.Messages[pos] = revised

	s.current.Store(next)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, Change{Kind: ChangeUpdated, Message: revised, Snapshot: next})
	return next, nil
}

// Load replaces the transcript with msgs, used when resuming a persisted
// thread before any turn is sent.
func (s *Store) Load(msgs []Message) *Snapshot {
	s.mu.Lock()
	prev := s.current.Load()
	next := &Snapshot{
		Version:  prev.Version + 1,
		Messages: make([]Message, 0, len(msgs)),
	}
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.index[m.ID] = len(next.Messages)
		next.Messages = append(next.Messages, m.Clone())
	}
	s.current.Store(next)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, Change{Kind: ChangeLoaded, Snapshot: next})
	return next
}

// Subscribe registers fn for every subsequent change and returns a disposer.
// Listeners run on the mutating goroutine, after the snapshot is published.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) listenersLocked() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func notify(listeners []Listener, c Change) {
	for _, l := range listeners {
		l(c)
	}
}
