// Package sse re-assembles `data: <json>` records from a chunked HTTP response
// body into protocol frames.
package sse

import (
	"bytes"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
)

var (
	recordSeparator = []byte("\n\n")
	dataPrefix      = []byte("data: ")
)

// Decoder buffers chunks and emits one frame per complete record. It is not
// safe for concurrent use; one decoder serves one response body.
type Decoder struct {
	buf     []byte
	logger  zerolog.Logger
	onError func(error)
}

type Option func(*Decoder)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// WithErrorHandler is called for every record dropped because it did not
// decode.
func WithErrorHandler(fn func(error)) Option {
	return func(d *Decoder) { d.onError = fn }
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		logger: log.With().Str("component", "sse").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the buffer and returns the frames of every record it
// completed. A trailing partial record stays buffered.
func (d *Decoder) Feed(chunk []byte) []protocol.Frame {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var frames []protocol.Frame
	for {
		idx := bytes.Index(d.buf, recordSeparator)
		if idx < 0 {
			break
		}
		record := d.buf[:idx]
		if f, ok := d.decodeRecord(record); ok {
			frames = append(frames, f)
		}
		d.buf = d.buf[idx+len(recordSeparator):]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a record.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial record.
func (d *Decoder) Reset() {
	d.buf = nil
}

func (d *Decoder) decodeRecord(record []byte) (protocol.Frame, bool) {
	record = bytes.TrimRight(record, "\r")
	if !bytes.HasPrefix(record, dataPrefix) {
		if len(bytes.TrimSpace(record)) > 0 {
			d.logger.Debug().Int("len", len(record)).Msg("skipping record without data prefix")
		}
		return nil, false
	}
	f, err := protocol.DecodeChatResponse(record[len(dataPrefix):])
	if err != nil {
		d.logger.Warn().Err(err).Str("record", string(record)).Msg("dropping undecodable record")
		if d.onError != nil {
			d.onError(err)
		}
		return nil, false
	}
	return f, true
}
