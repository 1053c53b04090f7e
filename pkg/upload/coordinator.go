// Package upload tracks image attachments from selection until the backend
// acknowledges them and they are attached to an outgoing message.
package upload

import (
	"encoding/base64"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

var (
	ErrUnknownHandle = errors.New("unknown image handle")
	ErrInvalidState  = errors.New("image not in expected state")
)

type entry struct {
	ref    transcript.ImageRef
	data   []byte
	sentAt time.Time

	// sendSeq orders Sent refs by the moment they reached the transport.
	sendSeq uint64

	// removed marks a Sent ref the user dropped; it stays queued, hidden,
	// until its response arrives so FIFO correlation stays aligned.
	removed bool
}

// Coordinator owns every ImageRef until it is acknowledged and taken by the
// next outgoing message. It performs no locking and no I/O: the session
// serializes calls and runs encoding and sending on its own goroutines.
type Coordinator struct {
	queue   []*entry
	byID    map[string]*entry
	logger  zerolog.Logger
	now     func() time.Time
	sendSeq uint64
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		byID:   map[string]*entry{},
		logger: log.With().Str("component", "upload").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue accepts an image and returns its Queued ref. The data is held until
// BeginEncoding hands it out.
func (c *Coordinator) Enqueue(filename string, data []byte) transcript.ImageRef {
	e := &entry{
		ref: transcript.ImageRef{
			Handle:   uuid.NewString(),
			Filename: filepath.Base(filename),
			Status:   transcript.ImageQueued,
		},
		data: data,
	}
	c.queue = append(c.queue, e)
	c.byID[e.ref.Handle] = e
	c.logger.Debug().Str("handle", e.ref.Handle).Str("filename", e.ref.Filename).Int("bytes", len(data)).Msg("image queued")
	return e.ref
}

// BeginEncoding moves a Queued ref to Encoding and returns the bytes to encode.
func (c *Coordinator) BeginEncoding(handle string) (transcript.ImageRef, []byte, error) {
	e, err := c.expect(handle, transcript.ImageQueued)
	if err != nil {
		return transcript.ImageRef{}, nil, err
	}
	e.ref.Status = transcript.ImageEncoding
	data := e.data
	e.data = nil
	return e.ref, data, nil
}

// MarkSent records that the upload request was handed to the transport. Calls
// must happen in the order the requests were sent.
func (c *Coordinator) MarkSent(handle string) (transcript.ImageRef, error) {
	e, err := c.expect(handle, transcript.ImageEncoding)
	if err != nil {
		return transcript.ImageRef{}, err
	}
	e.ref.Status = transcript.ImageSent
	e.sentAt = c.now()
	c.sendSeq++
	e.sendSeq = c.sendSeq
	return e.ref, nil
}

// Fail marks the ref Failed and removes it from the queue. No retry happens.
func (c *Coordinator) Fail(handle string, reason string) (transcript.ImageRef, bool) {
	e, ok := c.byID[handle]
	if !ok {
		return transcript.ImageRef{}, false
	}
	e.ref.Status = transcript.ImageFailed
	c.remove(handle)
	c.logger.Warn().Str("handle", handle).Str("filename", e.ref.Filename).Str("reason", reason).Msg("image upload failed")
	return e.ref, true
}

// Resolve applies an upload response. Responses carrying a handle are matched
// by handle; otherwise the earliest sent ref that is still Sent is assumed,
// since the WebSocket backend answers uploads in the order it receives them.
// Send order can differ from queue order because images encode concurrently.
func (c *Coordinator) Resolve(resp *protocol.ImageUploadResponseFrame) (transcript.ImageRef, bool) {
	if resp == nil {
		return transcript.ImageRef{}, false
	}
	var target *entry
	if resp.Handle != "" {
		e, ok := c.byID[resp.Handle]
		if ok && e.ref.Status == transcript.ImageSent {
			target = e
		}
	} else {
		for _, e := range c.queue {
			if e.ref.Status != transcript.ImageSent {
				continue
			}
			if target == nil || e.sendSeq < target.sendSeq {
				target = e
			}
		}
	}
	if target == nil {
		c.logger.Warn().Str("handle", resp.Handle).Str("status", resp.Status).Msg("upload response without matching image")
		return transcript.ImageRef{}, false
	}
	if target.removed {
		c.remove(target.ref.Handle)
		c.logger.Debug().Str("handle", target.ref.Handle).Msg("discarding response for removed image")
		return transcript.ImageRef{}, false
	}

	if !resp.Succeeded() {
		reason := resp.Message
		if reason == "" {
			reason = resp.Status
		}
		return c.Fail(target.ref.Handle, reason)
	}
	target.ref.Status = transcript.ImageAcked
	target.ref.RemotePath = resp.ImagePath
	c.logger.Debug().Str("handle", target.ref.Handle).Str("path", resp.ImagePath).Msg("image acknowledged")
	return target.ref, true
}

// Expired fails every Sent ref that waited longer than timeout and returns
// them.
func (c *Coordinator) Expired(timeout time.Duration) []transcript.ImageRef {
	if timeout <= 0 {
		return nil
	}
	now := c.now()
	var handles, dropped []string
	for _, e := range c.queue {
		if e.ref.Status != transcript.ImageSent || now.Sub(e.sentAt) < timeout {
			continue
		}
		if e.removed {
			dropped = append(dropped, e.ref.Handle)
			continue
		}
		handles = append(handles, e.ref.Handle)
	}
	for _, h := range dropped {
		c.remove(h)
	}
	out := make([]transcript.ImageRef, 0, len(handles))
	for _, h := range handles {
		if ref, ok := c.Fail(h, "acknowledgement timeout"); ok {
			out = append(out, ref)
		}
	}
	return out
}

// RemotePaths lists the remote paths of Acked images in queue order.
func (c *Coordinator) RemotePaths() []string {
	paths := []string{}
	for _, e := range c.queue {
		if e.ref.Status == transcript.ImageAcked {
			paths = append(paths, e.ref.RemotePath)
		}
	}
	return paths
}

// TakeAcked removes the Acked refs from the queue and returns them in queue
// order; refs still in flight stay queued for the next message.
func (c *Coordinator) TakeAcked() []transcript.ImageRef {
	var taken []transcript.ImageRef
	kept := c.queue[:0]
	for _, e := range c.queue {
		if e.ref.Status == transcript.ImageAcked {
			taken = append(taken, e.ref)
			delete(c.byID, e.ref.Handle)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept
	return taken
}

// Remove drops an image the user no longer wants to attach.
func (c *Coordinator) Remove(handle string) bool {
	e, ok := c.byID[handle]
	if !ok || e.removed {
		return false
	}
	if e.ref.Status == transcript.ImageSent {
		e.removed = true
		return true
	}
	c.remove(handle)
	return true
}

// Queue returns the visible queue in order.
func (c *Coordinator) Queue() []transcript.ImageRef {
	out := make([]transcript.ImageRef, 0, len(c.queue))
	for _, e := range c.queue {
		if e.removed {
			continue
		}
		out = append(out, e.ref)
	}
	return out
}

// Get returns the current state of a visible ref.
func (c *Coordinator) Get(handle string) (transcript.ImageRef, bool) {
	e, ok := c.byID[handle]
	if !ok || e.removed {
		return transcript.ImageRef{}, false
	}
	return e.ref, true
}

// Reset forgets every image; used when the session is torn down.
func (c *Coordinator) Reset() {
	c.queue = nil
	c.byID = map[string]*entry{}
}

func (c *Coordinator) expect(handle string, status transcript.ImageStatus) (*entry, error) {
	e, ok := c.byID[handle]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "handle %s", handle)
	}
	if e.ref.Status != status {
		return nil, errors.Wrapf(ErrInvalidState, "handle %s is %s, want %s", handle, e.ref.Status, status)
	}
	return e, nil
}

func (c *Coordinator) remove(handle string) {
	delete(c.byID, handle)
	for i, e := range c.queue {
		if e.ref.Handle == handle {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// Encode builds the upload request for an image, base64 encoding its bytes.
func Encode(filename string, data []byte) protocol.ImageUploadRequest {
	return protocol.ImageUploadRequest{
		Filename:  filepath.Base(filename),
		ImageData: base64.StdEncoding.EncodeToString(data),
	}
}
