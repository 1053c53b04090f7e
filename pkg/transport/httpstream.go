package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/sse"
)

// HTTPStream posts each chat turn to {base}/chat and decodes the chunked
// `data: ` response body; image uploads go to {base}/upload_image as
// multipart forms. Connections are logical: Dial does no network I/O.
type HTTPStream struct {
	baseURL string
	client  *http.Client
	opts    options
}

type HTTPStreamOption func(*HTTPStream)

func WithHTTPClient(c *http.Client) HTTPStreamOption {
	return func(h *HTTPStream) { h.client = c }
}

func WithStreamOptions(opts ...Option) HTTPStreamOption {
	return func(h *HTTPStream) {
		for _, opt := range opts {
			opt(&h.opts)
		}
	}
}

var _ Transport = &HTTPStream{}

func NewHTTPStream(baseURL string, opts ...HTTPStreamOption) *HTTPStream {
	h := &HTTPStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		opts:    newOptions("http_transport", nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPStream) Dial(ctx context.Context) (Conn, error) {
	if h.baseURL == "" {
		return nil, errors.New("http stream transport: empty base url")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &httpConn{
		h:      h,
		ctx:    runCtx,
		cancel: cancel,
		frames: make(chan protocol.Frame, h.opts.frameBuffer),
		status: make(chan Status, 4),
	}
	// nothing to dial: the stream opens per request
	c.status <- Status{State: StateConnecting}
	c.status <- Status{State: StateOpen}
	return c, nil
}

type httpConn struct {
	h      *HTTPStream
	ctx    context.Context
	cancel context.CancelFunc
	frames chan protocol.Frame
	status chan Status

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (c *httpConn) Frames() <-chan protocol.Frame { return c.frames }
func (c *httpConn) Status() <-chan Status         { return c.status }

func (c *httpConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	switch env.Type {
	case protocol.TypeChatRequest:
		c.wg.Add(1)
		go c.streamChat(env.Payload)
	case protocol.TypeImageUploadRequest:
		c.wg.Add(1)
		go c.upload(env)
	default:
		return errors.Wrapf(ErrUnsupported, "type %s", env.Type)
	}
	return nil
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.frames)
	c.status <- Status{State: StateClosed}
	close(c.status)
	return nil
}

func (c *httpConn) emit(f protocol.Frame) {
	select {
	case c.frames <- f:
	case <-c.ctx.Done():
	}
}

func (c *httpConn) streamChat(body []byte) {
	defer c.wg.Done()
	logger := c.h.opts.logger

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.h.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		c.emit(&protocol.ErrorFrame{Message: fmt.Sprintf("request failed: %v", err)})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.h.client.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("chat request failed")
		c.emit(&protocol.ErrorFrame{Message: fmt.Sprintf("request failed: %v", err)})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Msg("chat request rejected")
		c.emit(&protocol.ErrorFrame{Message: fmt.Sprintf("request failed: %d", resp.StatusCode)})
		return
	}

	dec := sse.NewDecoder(sse.WithLogger(logger), sse.WithErrorHandler(c.h.opts.decodeFailed))
	stopped := false
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if _, ok := f.(*protocol.StopFrame); ok {
					stopped = true
				}
				c.emit(f)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Warn().Err(readErr).Msg("chat stream interrupted")
			c.emit(&protocol.ErrorFrame{Message: fmt.Sprintf("stream interrupted: %v", readErr)})
			return
		}
	}
	if dec.Pending() > 0 {
		logger.Warn().Int("bytes", dec.Pending()).Msg("discarding incomplete trailing record")
	}
	if !stopped {
		// the stream ending is the end of the turn
		c.emit(&protocol.StopFrame{Reason: "eof"})
	}
}

type uploadReply struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ImageURL  string `json:"image_url"`
	ImagePath string `json:"image_path"`
}

func (c *httpConn) upload(env protocol.Envelope) {
	defer c.wg.Done()
	fail := func(msg string) {
		c.emit(&protocol.ImageUploadResponseFrame{Status: "error", Message: msg, Handle: env.Handle})
	}

	var req protocol.ImageUploadRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		fail(err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		fail(err.Error())
		return
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", req.Filename)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		fail(err.Error())
		return
	}

	httpReq, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.h.baseURL+"/upload_image", &body)
	if err != nil {
		fail(err.Error())
		return
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.h.client.Do(httpReq)
	if err != nil {
		if c.ctx.Err() == nil {
			fail(err.Error())
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var reply uploadReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		fail(fmt.Sprintf("upload failed: %d", resp.StatusCode))
		return
	}
	path := reply.ImagePath
	if path == "" {
		path = reply.ImageURL
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reply.Status = "error"
	}
	c.emit(&protocol.ImageUploadResponseFrame{
		Status:    reply.Status,
		Message:   reply.Message,
		ImagePath: path,
		Handle:    env.Handle,
	})
}
