package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tutor-chat/pkg/metrics"
	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
	"github.com/go-go-golems/tutor-chat/pkg/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	mu      sync.Mutex
	sent    []protocol.Envelope
	sendErr error

	frames    chan protocol.Frame
	status    chan transport.Status
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		frames: make(chan protocol.Frame, 64),
		status: make(chan transport.Status, 4),
	}
	c.status <- transport.Status{State: transport.StateConnecting}
	c.status <- transport.Status{State: transport.StateOpen}
	return c
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Frames() <-chan protocol.Frame    { return c.frames }
func (c *fakeConn) Status() <-chan transport.Status { return c.status }

func (c *fakeConn) Close() error {
	c.drop(nil)
	return nil
}

// drop ends the connection the way transports do: frames first, then status.
func (c *fakeConn) drop(err error) {
	c.closeOnce.Do(func() {
		close(c.frames)
		if err != nil {
			c.status <- transport.Status{State: transport.StateError, Err: err}
		}
		c.status <- transport.Status{State: transport.StateClosed}
		close(c.status)
	})
}

func (c *fakeConn) push(frames ...protocol.Frame) {
	for _, f := range frames {
		c.frames <- f
	}
}

func (c *fakeConn) sentOfType(typ string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) chatRequests(t *testing.T) []protocol.ChatRequest {
	t.Helper()
	var out []protocol.ChatRequest
	for _, env := range c.sentOfType(protocol.TypeChatRequest) {
		var req protocol.ChatRequest
		require.NoError(t, json.Unmarshal(env.Payload, &req))
		out = append(out, req)
	}
	return out
}

type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failFrom int
	dials    atomic.Int32
}

func (f *fakeTransport) Dial(context.Context) (transport.Conn, error) {
	n := int(f.dials.Add(1))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFrom > 0 && n >= f.failFrom {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func newConnected(t *testing.T, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithReconnectPolicy(ReconnectPolicy{Delay: 5 * time.Millisecond, MaxAttempts: 3}),
	}, opts...)
	s := New(ft, opts...)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

func lastMessage(s *Session) transcript.Message {
	snap := s.Snapshot()
	return snap.Messages[snap.Len()-1]
}

func TestSessionTextFramesInOrder(t *testing.T) {
	s, ft := newConnected(t)
	require.NoError(t, s.SendUserMessage("explain fractions"))
	require.True(t, s.State().Busy)

	ft.last().push(
		&protocol.AgentStatusFrame{Status: "thinking", Message: "thinking"},
		&protocol.TextFrame{Data: "A fraction"},
		&protocol.TextFrame{Data: " is a part"},
		&protocol.StopFrame{Reason: "normal"},
	)
	require.Eventually(t, func() bool { return !s.State().Busy }, waitFor, tick)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 4)
	require.Equal(t, "explain fractions", msgs[0].Text)
	require.Equal(t, transcript.KindStatus, msgs[1].Kind)
	require.Equal(t, "A fraction", msgs[2].Text)
	require.Equal(t, " is a part", msgs[3].Text)
	require.Equal(t, PhaseIdle, s.State().Phase)
}

func TestSessionSendWhileBusyIsNoop(t *testing.T) {
	s, ft := newConnected(t)
	require.NoError(t, s.SendUserMessage("first"))
	before := s.Snapshot()
	stateBefore := s.State()

	err := s.SendUserMessage("second")
	require.True(t, errors.Is(err, ErrBusy))
	require.Equal(t, before, s.Snapshot())
	require.Equal(t, stateBefore, s.State())
	require.Len(t, ft.last().chatRequests(t), 1)
}

func TestSessionAnswerInterrupt(t *testing.T) {
	s, ft := newConnected(t)
	require.True(t, errors.Is(s.AnswerInterrupt("early"), ErrNoPendingInterrupt))

	require.NoError(t, s.SendUserMessage("solve x+1=43"))
	ft.last().push(&protocol.QuestionRequestFrame{Question: "Show steps?", Options: []string{"yes", "no"}, ToolCallID: "tc1"})
	require.Eventually(t, func() bool { return s.State().Phase == PhaseWaitingForInterruptAnswer }, waitFor, tick)
	require.Equal(t, "tc1", s.State().PendingInterrupt.ToolCallID)

	require.NoError(t, s.AnswerInterrupt("42"))
	reqs := ft.last().chatRequests(t)
	require.Len(t, reqs, 2)
	require.Equal(t, &protocol.ResumeData{Answer: "42", ToolCallID: "tc1"}, reqs[1].ResumeData)
	require.Equal(t, "42", reqs[1].CurrentText)
	require.Equal(t, reqs[0].ThreadID, reqs[1].ThreadID)
	require.Nil(t, reqs[0].ResumeData)

	st := s.State()
	require.Nil(t, st.PendingInterrupt)
	require.True(t, st.Busy)
}

func TestSessionUploadsFollowQueueOrder(t *testing.T) {
	s, ft := newConnected(t)
	a, err := s.SendImage("/tmp/a.png", []byte("A"))
	require.NoError(t, err)
	b, err := s.SendImage("/tmp/b.png", []byte("B"))
	require.NoError(t, err)
	require.Equal(t, transcript.ImageQueued, a.Status)

	require.Eventually(t, func() bool {
		q := s.Uploads()
		return len(q) == 2 && q[0].Status == transcript.ImageSent && q[1].Status == transcript.ImageSent
	}, waitFor, tick)
	require.Len(t, ft.last().sentOfType(protocol.TypeImageUploadRequest), 2)

	ft.last().push(
		&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/img/b.png", Handle: b.Handle},
		&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: "/img/a.png", Handle: a.Handle},
	)
	require.Eventually(t, func() bool {
		q := s.Uploads()
		return len(q) == 2 && q[0].Status == transcript.ImageAcked && q[1].Status == transcript.ImageAcked
	}, waitFor, tick)

	require.NoError(t, s.SendUserMessage("what are these?"))
	reqs := ft.last().chatRequests(t)
	require.Equal(t, []string{"/img/a.png", "/img/b.png"}, reqs[0].CurrentImagePaths)
	require.Empty(t, s.Uploads())

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 3)
	require.Equal(t, "what are these?", msgs[0].Text)
	require.Equal(t, a.Handle, msgs[1].Image.Handle)
	require.Equal(t, b.Handle, msgs[2].Image.Handle)
}

// Responses without a handle follow the order uploads reached the wire, which
// depends on how the encoding goroutines are scheduled.
func TestSessionUploadsWithoutHandleFollowSendOrder(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, ft := newConnected(t)
		a, err := s.SendImage("/tmp/a.png", []byte("A"))
		require.NoError(t, err)
		b, err := s.SendImage("/tmp/b.png", []byte("B"))
		require.NoError(t, err)
		paths := map[string]string{a.Handle: "/img/a.png", b.Handle: "/img/b.png"}

		require.Eventually(t, func() bool {
			return len(ft.last().sentOfType(protocol.TypeImageUploadRequest)) == 2
		}, waitFor, tick)
		require.Eventually(t, func() bool {
			q := s.Uploads()
			return len(q) == 2 && q[0].Status == transcript.ImageSent && q[1].Status == transcript.ImageSent
		}, waitFor, tick)
		for _, env := range ft.last().sentOfType(protocol.TypeImageUploadRequest) {
			ft.last().push(&protocol.ImageUploadResponseFrame{Status: "success", ImagePath: paths[env.Handle]})
		}
		require.Eventually(t, func() bool {
			q := s.Uploads()
			return len(q) == 2 && q[0].Status == transcript.ImageAcked && q[1].Status == transcript.ImageAcked
		}, waitFor, tick)

		q := s.Uploads()
		require.Equal(t, a.Handle, q[0].Handle)
		require.Equal(t, "/img/a.png", q[0].RemotePath)
		require.Equal(t, "/img/b.png", q[1].RemotePath)

		require.NoError(t, s.SendUserMessage("compare them"))
		reqs := ft.last().chatRequests(t)
		require.Equal(t, []string{"/img/a.png", "/img/b.png"}, reqs[0].CurrentImagePaths)
		require.NoError(t, s.Close())
	}
}

func TestSessionFailedUploadLeavesQueue(t *testing.T) {
	s, ft := newConnected(t)
	var events []UploadEvent
	var mu sync.Mutex
	dispose := s.SubscribeUploads(func(ev UploadEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer dispose()

	a, err := s.SendImage("a.png", []byte("A"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		q := s.Uploads()
		return len(q) == 1 && q[0].Status == transcript.ImageSent
	}, waitFor, tick)

	ft.last().push(&protocol.ImageUploadResponseFrame{Status: "error", Message: "not an image"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, waitFor, tick)
	require.Empty(t, s.Uploads())
	require.Zero(t, s.Snapshot().Len())

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, events[3].Queue)
	var statuses []transcript.ImageStatus
	for _, ev := range events {
		for _, ref := range ev.Changed {
			require.Equal(t, a.Handle, ref.Handle)
			statuses = append(statuses, ref.Status)
		}
	}
	require.Equal(t, []transcript.ImageStatus{
		transcript.ImageQueued, transcript.ImageEncoding, transcript.ImageSent, transcript.ImageFailed,
	}, statuses)
}

func TestSessionRemoveImage(t *testing.T) {
	s, _ := newConnected(t)
	a, err := s.SendImage("a.png", []byte("A"))
	require.NoError(t, err)
	require.True(t, s.RemoveImage(a.Handle))
	require.False(t, s.RemoveImage(a.Handle))
	require.Eventually(t, func() bool { return len(s.Uploads()) == 0 }, waitFor, tick)
}

func TestSessionReconnectKeepsThreadID(t *testing.T) {
	s, ft := newConnected(t)
	threadID := s.ThreadID()
	require.NoError(t, s.SendUserMessage("before"))
	first := ft.last()

	first.drop(errors.New("reset by peer"))
	require.Eventually(t, func() bool {
		return ft.dials.Load() == 2 && s.State().Connection == StateConnected
	}, waitFor, tick)

	st := s.State()
	require.False(t, st.Busy)
	require.Equal(t, threadID, st.ThreadID)
	require.Equal(t, transcript.KindError, lastMessage(s).Kind)

	require.NoError(t, s.SendUserMessage("after"))
	reqs := ft.last().chatRequests(t)
	require.Len(t, reqs, 1)
	require.Equal(t, threadID, reqs[0].ThreadID)
	require.Equal(t, threadID, first.chatRequests(t)[0].ThreadID)
}

func TestSessionReconnectExhaustion(t *testing.T) {
	ft := &fakeTransport{failFrom: 2}
	collector := metrics.New()
	s := New(ft,
		WithLogger(zerolog.Nop()),
		WithMetrics(collector),
		WithReconnectPolicy(ReconnectPolicy{Delay: time.Millisecond, MaxAttempts: 2}),
	)
	defer func() { _ = s.Close() }()

	var states []ConnState
	var mu sync.Mutex
	s.SubscribeStatus(func(ev StatusEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})
	require.NoError(t, s.Connect(context.Background()))

	ft.last().drop(nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateConnectionLost
	}, waitFor, tick)
	require.Equal(t, StateConnectionLost, s.State().Connection)
	require.Equal(t, int32(3), ft.dials.Load())
	require.True(t, errors.Is(s.SendUserMessage("hello?"), transport.ErrNotConnected))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnState{
		StateConnecting, StateConnected,
		StateDisconnected, StateConnecting,
		StateDisconnected, StateConnecting,
		StateConnectionLost,
	}, states)
}

func TestSessionDisconnectDoesNotReconnect(t *testing.T) {
	s, ft := newConnected(t)
	require.NoError(t, s.SendUserMessage("bye"))
	require.NoError(t, s.Disconnect())

	st := s.State()
	require.Equal(t, StateDisconnected, st.Connection)
	require.Equal(t, PhaseDisconnected, st.Phase)
	require.False(t, st.Busy)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), ft.dials.Load())
	require.True(t, errors.Is(s.SendUserMessage("again"), transport.ErrNotConnected))
}

func TestSessionUnknownFrameIgnored(t *testing.T) {
	s, ft := newConnected(t)
	require.NoError(t, s.SendUserMessage("hi"))
	ft.last().push(&protocol.UnknownFrame{Type: "telemetry"}, &protocol.TextFrame{Data: "hello"})
	require.Eventually(t, func() bool { return s.Snapshot().Len() == 2 }, waitFor, tick)
	require.True(t, s.State().Busy)
	require.Equal(t, "hello", lastMessage(s).Text)
}

func TestSessionSendFailureRollsBack(t *testing.T) {
	s, ft := newConnected(t)
	ft.last().mu.Lock()
	ft.last().sendErr = transport.ErrSendBufferFull
	ft.last().mu.Unlock()

	err := s.SendUserMessage("hi")
	require.True(t, errors.Is(err, transport.ErrSendBufferFull))
	require.False(t, s.State().Busy)
	require.Equal(t, transcript.KindError, lastMessage(s).Kind)
}

func TestSessionSubscribersRunOutsideLock(t *testing.T) {
	s, ft := newConnected(t)
	var kinds []transcript.ChangeKind
	var mu sync.Mutex
	dispose := s.SubscribeTranscript(func(c transcript.Change) {
		// calling back into the session must not deadlock
		_ = s.State()
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})

	require.NoError(t, s.SendUserMessage("hi"))
	ft.last().push(&protocol.TextFrame{Data: "yo"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 2
	}, waitFor, tick)

	dispose()
	dispose()
	ft.last().push(&protocol.StopFrame{})
	require.Eventually(t, func() bool { return !s.State().Busy }, waitFor, tick)
	ft.last().push(&protocol.TextFrame{Data: "late"})
	require.Eventually(t, func() bool { return s.Snapshot().Len() == 3 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []transcript.ChangeKind{transcript.ChangeAppended, transcript.ChangeAppended}, kinds)
}

func TestSessionAuthResponseDelivered(t *testing.T) {
	s, ft := newConnected(t)
	got := make(chan *protocol.AuthResponseFrame, 1)
	s.SubscribeAuth(func(f *protocol.AuthResponseFrame) { got <- f })

	require.NoError(t, s.Authenticate(protocol.AuthRequest{Action: "login", Identifier: "ada", Password: "pw"}))
	require.Len(t, ft.last().sentOfType(protocol.TypeAuthRequest), 1)

	ft.last().push(&protocol.AuthResponseFrame{Status: "success", Message: "welcome"})
	select {
	case f := <-got:
		require.Equal(t, "welcome", f.Message)
	case <-time.After(waitFor):
		t.Fatal("auth response not delivered")
	}
}

func TestSessionGreetingAndHistory(t *testing.T) {
	fresh := New(&fakeTransport{}, WithLogger(zerolog.Nop()), WithGreeting("hello, I am your tutor"))
	require.Equal(t, 1, fresh.Snapshot().Len())
	require.Equal(t, transcript.RoleAssistant, fresh.Snapshot().Messages[0].Role)

	restored := []transcript.Message{transcript.NewUserText("old question"), transcript.NewAssistantText("old answer")}
	resumed := New(&fakeTransport{}, WithLogger(zerolog.Nop()), WithThreadID("thread-42"), WithHistory(restored), WithGreeting("ignored"))
	require.Equal(t, "thread-42", resumed.ThreadID())
	require.Equal(t, 2, resumed.Snapshot().Len())
	require.Equal(t, "old question", resumed.Snapshot().Messages[0].Text)
}

func TestSessionActionsRequireConnection(t *testing.T) {
	s := New(&fakeTransport{}, WithLogger(zerolog.Nop()))
	require.True(t, errors.Is(s.SendUserMessage("hi"), transport.ErrNotConnected))
	_, err := s.SendImage("a.png", []byte("A"))
	require.True(t, errors.Is(err, transport.ErrNotConnected))
	require.True(t, errors.Is(s.Authenticate(protocol.AuthRequest{Action: "login"}), transport.ErrNotConnected))
	require.Zero(t, s.Snapshot().Len())
	require.Equal(t, PhaseDisconnected, s.State().Phase)
}
