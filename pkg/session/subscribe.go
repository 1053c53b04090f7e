package session

import (
	"sync"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

type registry[T any] struct {
	next uint64
	subs []subscriber[T]
}

func (r *registry[T]) add(fn func(T)) uint64 {
	r.next++
	r.subs = append(r.subs, subscriber[T]{id: r.next, fn: fn})
	return r.next
}

func (r *registry[T]) remove(id uint64) {
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []func(T) {
	out := make([]func(T), len(r.subs))
	for i, sub := range r.subs {
		out[i] = sub.fn
	}
	return out
}

// SubscribeTranscript registers fn for every transcript change. The returned
// function unsubscribes; calling it more than once is harmless.
func (s *Session) SubscribeTranscript(fn func(transcript.Change)) func() {
	s.mu.Lock()
	id := s.transcriptSubs.add(fn)
	s.mu.Unlock()
	return s.disposer(func() { s.transcriptSubs.remove(id) })
}

// SubscribeStatus registers fn for connection state changes.
func (s *Session) SubscribeStatus(fn func(StatusEvent)) func() {
	s.mu.Lock()
	id := s.statusSubs.add(fn)
	s.mu.Unlock()
	return s.disposer(func() { s.statusSubs.remove(id) })
}

// SubscribeUploads registers fn for image queue changes.
func (s *Session) SubscribeUploads(fn func(UploadEvent)) func() {
	s.mu.Lock()
	id := s.uploadSubs.add(fn)
	s.mu.Unlock()
	return s.disposer(func() { s.uploadSubs.remove(id) })
}

// SubscribeAuth registers fn for auth responses.
func (s *Session) SubscribeAuth(fn func(*protocol.AuthResponseFrame)) func() {
	s.mu.Lock()
	id := s.authSubs.add(fn)
	s.mu.Unlock()
	return s.disposer(func() { s.authSubs.remove(id) })
}

func (s *Session) disposer(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
	}
}

type listeners struct {
	transcript []func(transcript.Change)
	status     []func(StatusEvent)
	uploads    []func(UploadEvent)
	auth       []func(*protocol.AuthResponseFrame)
}

// unlock releases s.mu and delivers queued events. Only one goroutine
// delivers at a time; events queued meanwhile, including by listeners calling
// back into the session, are delivered by it in order.
func (s *Session) unlock() {
	if s.delivering || len(s.outbox) == 0 {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.outbox) > 0 {
		batch := s.outbox
		s.outbox = nil
		ls := listeners{
			transcript: s.transcriptSubs.snapshot(),
			status:     s.statusSubs.snapshot(),
			uploads:    s.uploadSubs.snapshot(),
			auth:       s.authSubs.snapshot(),
		}
		s.mu.Unlock()
		ls.deliver(batch)
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (ls listeners) deliver(batch []event) {
	for _, ev := range batch {
		switch {
		case ev.change != nil:
			for _, fn := range ls.transcript {
				fn(*ev.change)
			}
		case ev.status != nil:
			for _, fn := range ls.status {
				fn(*ev.status)
			}
		case ev.upload != nil:
			for _, fn := range ls.uploads {
				fn(*ev.upload)
			}
		case ev.auth != nil:
			for _, fn := range ls.auth {
				fn(ev.auth)
			}
		}
	}
}
