package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
)

// WebSocket dials the backend's WebSocket endpoint. Each text message is one
// protocol envelope.
type WebSocket struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	opts         options
}

type WebSocketOption func(*WebSocket)

func WithHeader(h http.Header) WebSocketOption {
	return func(w *WebSocket) { w.header = h }
}

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(w *WebSocket) { w.dialer = d }
}

// WithPingInterval sets the keepalive period; the read deadline is twice the
// interval and is extended by every pong. Zero disables keepalive.
func WithPingInterval(d time.Duration) WebSocketOption {
	return func(w *WebSocket) { w.pingInterval = d }
}

func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocket) { w.writeTimeout = d }
}

func WithSendBuffer(n int) WebSocketOption {
	return func(w *WebSocket) {
		if n > 0 {
			w.sendBuffer = n
		}
	}
}

func WithTransportOptions(opts ...Option) WebSocketOption {
	return func(w *WebSocket) {
		for _, opt := range opts {
			opt(&w.opts)
		}
	}
}

var _ Transport = &WebSocket{}

func NewWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:          url,
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		opts:         newOptions("ws_transport", nil),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocket) Dial(ctx context.Context) (Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	status := make(chan Status, 4)
	status <- Status{State: StateConnecting}
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", w.url)
	}

	c := &wsConn{
		conn:         conn,
		send:         make(chan []byte, w.sendBuffer),
		frames:       make(chan protocol.Frame, w.opts.frameBuffer),
		status:       status,
		done:         make(chan struct{}),
		pingInterval: w.pingInterval,
		writeTimeout: w.writeTimeout,
		opts:         w.opts,
	}
	c.opts.logger = w.opts.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	c.status <- Status{State: StateOpen}

	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	c.wg.Add(1)
	go c.writeLoop()
	go c.readLoop()

	c.opts.logger.Info().Str("url", w.url).Msg("ws connected")
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	frames chan protocol.Frame
	status chan Status

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	pingInterval time.Duration
	writeTimeout time.Duration
	opts         options
}

func (c *wsConn) Frames() <-chan protocol.Frame { return c.frames }
func (c *wsConn) Status() <-chan Status         { return c.status }

func (c *wsConn) Send(env protocol.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer, sends a close message and tears down the socket.
// The read loop then reports StateClosed.
func (c *wsConn) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()
	})
}

func (c *wsConn) writeLoop() {
	defer c.wg.Done()
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.opts.logger.Warn().Err(err).Msg("ws write failed, closing connection")
				_ = c.conn.Close()
				return
			}
		case <-tick:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.opts.logger.Warn().Err(err).Msg("ws ping failed, closing connection")
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			_ = c.conn.Close()
			return
		}
	}
}

func (c *wsConn) write(msgType int, b []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(msgType, b)
}

func (c *wsConn) readLoop() {
	var readErr error
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.opts.logger.Warn().Err(err).Msg("dropping undecodable ws message")
			c.opts.decodeFailed(err)
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
		}
	}

	c.mu.RLock()
	local := c.closed
	c.mu.RUnlock()
	c.shutdown()
	close(c.frames)

	if !local && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.opts.logger.Warn().Err(readErr).Msg("ws read loop ended with error")
		c.status <- Status{State: StateError, Err: readErr}
	} else {
		c.opts.logger.Debug().Err(readErr).Msg("ws read loop end")
	}
	c.status <- Status{State: StateClosed}
	close(c.status)
}
