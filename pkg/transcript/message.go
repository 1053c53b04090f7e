// Package transcript holds the ordered conversation log rendered by clients.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindStatus Kind = "status"
	KindError  Kind = "error"
)

type ImageStatus string

const (
	ImageQueued   ImageStatus = "queued"
	ImageEncoding ImageStatus = "encoding"
	ImageSent     ImageStatus = "sent"
	ImageAcked    ImageStatus = "acked"
	ImageFailed   ImageStatus = "failed"
)

// ImageRef tracks one image attachment from the moment it is picked until the
// backend acknowledges it.
type ImageRef struct {
	Handle     string      `json:"handle" yaml:"handle"`
	Filename   string      `json:"filename" yaml:"filename"`
	RemotePath string      `json:"remote_path,omitempty" yaml:"remote_path,omitempty"`
	Status     ImageStatus `json:"status" yaml:"status"`
}

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	Role      Role      `json:"role" yaml:"role"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	Text      string    `json:"text,omitempty" yaml:"text,omitempty"`
	Image     *ImageRef `json:"image,omitempty" yaml:"image,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// Meta carries optional details such as the agent node of a status line.
	Meta map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

func newMessage(role Role, kind Kind, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

func NewUserText(text string) Message { return newMessage(RoleUser, KindText, text) }

func NewAssistantText(text string) Message { return newMessage(RoleAssistant, KindText, text) }

func NewStatus(text string, meta map[string]string) Message {
	m := newMessage(RoleSystem, KindStatus, text)
	if len(meta) > 0 {
		m.Meta = meta
	}
	return m
}

func NewError(text string) Message { return newMessage(RoleSystem, KindError, text) }

func NewUserImage(ref ImageRef) Message {
	m := newMessage(RoleUser, KindImage, "")
	m.Image = &ref
	return m
}

// Clone returns a deep copy so snapshots never share mutable state.
func (m Message) Clone() Message {
	if m.Image != nil {
		img := *m.Image
		m.Image = &img
	}
	if m.Meta != nil {
		meta := make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			meta[k] = v
		}
		m.Meta = meta
	}
	return m
}
