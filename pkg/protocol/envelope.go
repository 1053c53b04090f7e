// Package protocol defines the wire envelope exchanged with the tutoring agent
// backend and decodes inbound envelopes into a closed set of typed frames.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope types. Inbound types decode to a Frame, outbound types are built
// with the New*Envelope helpers.
const (
	TypeAuthRequest         = "auth_request"
	TypeAuthResponse        = "auth_response"
	TypeChatRequest         = "chat_request"
	TypeChatResponse        = "chat_response"
	TypeImageUploadRequest  = "image_upload_request"
	TypeImageUploadResponse = "image_upload_response"
	TypeError               = "error"
)

// Envelope is the unit sent over the wire: {type, payload}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// Handle correlates a request with the response the transport produces
	// for it. It never goes over the wire.
	Handle string `json:"-"`
}

func newEnvelope(typ string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	return Envelope{Type: typ, Payload: b}, nil
}

// NewChatRequestEnvelope wraps a chat request.
func NewChatRequestEnvelope(req ChatRequest) (Envelope, error) {
	if req.History == nil {
		req.History = []ChatMessage{}
	}
	if req.CurrentImagePaths == nil {
		req.CurrentImagePaths = []string{}
	}
	return newEnvelope(TypeChatRequest, req)
}

// NewImageUploadEnvelope wraps an image upload; handle is kept off the wire.
func NewImageUploadEnvelope(handle string, req ImageUploadRequest) (Envelope, error) {
	env, err := newEnvelope(TypeImageUploadRequest, req)
	if err != nil {
		return Envelope{}, err
	}
	env.Handle = handle
	return env, nil
}

// NewAuthRequestEnvelope wraps a login or register request.
func NewAuthRequestEnvelope(req AuthRequest) (Envelope, error) {
	return newEnvelope(TypeAuthRequest, req)
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}
