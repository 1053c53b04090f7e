package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
)

// fakeBackend answers chat requests with a scripted list of raw messages.
func fakeBackend(t *testing.T, replies []string, received chan<- protocol.Envelope) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err == nil && received != nil {
				received <- env
			}
			if env.Type == "close-me" {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
				return
			}
			for _, reply := range replies {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collectFrames(t *testing.T, c Conn, n int) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case f, ok := <-c.Frames():
			require.True(t, ok, "frames closed early")
			out = append(out, f)
		case <-timeout:
			t.Fatalf("timeout waiting for %d frames, got %d", n, len(out))
		}
	}
	return out
}

func TestWebSocketRoundTrip(t *testing.T) {
	received := make(chan protocol.Envelope, 4)
	srv := fakeBackend(t, []string{
		`{"type":"chat_response","payload":{"type":"text","content":{"data":"hello"}}}`,
		`not json`,
		`{"type":"mystery","payload":{}}`,
		`{"type":"chat_response","payload":{"type":"stop","content":{"reason":"normal"}}}`,
	}, received)
	defer srv.Close()

	var decodeErrors atomic.Int32
	ws := NewWebSocket(wsURL(srv), WithTransportOptions(WithDecodeErrorHandler(func(error) { decodeErrors.Add(1) })))
	conn, err := ws.Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Equal(t, StateConnecting, (<-conn.Status()).State)
	require.Equal(t, StateOpen, (<-conn.Status()).State)

	env, err := protocol.NewChatRequestEnvelope(protocol.ChatRequest{CurrentText: "hi", ThreadID: "t1"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	select {
	case got := <-received:
		require.Equal(t, protocol.TypeChatRequest, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("backend did not receive chat_request")
	}

	frames := collectFrames(t, conn, 3)
	require.Equal(t, &protocol.TextFrame{Data: "hello"}, frames[0])
	require.Equal(t, "mystery", frames[1].FrameType())
	require.Equal(t, &protocol.StopFrame{Reason: "normal"}, frames[2])
	require.Equal(t, int32(1), decodeErrors.Load())
}

func TestWebSocketSendAfterCloseFails(t *testing.T) {
	srv := fakeBackend(t, nil, nil)
	defer srv.Close()

	conn, err := NewWebSocket(wsURL(srv)).Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = conn.Send(protocol.Envelope{Type: protocol.TypeChatRequest, Payload: []byte(`{}`)})
	require.True(t, errors.Is(err, ErrNotConnected))

	var states []State
	for st := range conn.Status() {
		states = append(states, st.State)
	}
	require.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, states)
	_, ok := <-conn.Frames()
	require.False(t, ok)
}

func TestWebSocketRemoteCloseReportsClosed(t *testing.T) {
	srv := fakeBackend(t, nil, nil)
	defer srv.Close()

	conn, err := NewWebSocket(wsURL(srv), WithPingInterval(0)).Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.Envelope{Type: "close-me", Payload: []byte(`{}`)}))

	var last Status
	for st := range conn.Status() {
		last = st
	}
	require.Equal(t, StateClosed, last.State)
	require.True(t, errors.Is(conn.Send(protocol.Envelope{Type: "x"}), ErrNotConnected))
}

func TestWebSocketDialFailure(t *testing.T) {
	_, err := NewWebSocket("ws://127.0.0.1:1/nothing").Dial(context.Background())
	require.Error(t, err)
}
