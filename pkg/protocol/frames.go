package protocol

import (
	"encoding/json"
	"strings"
)

// Chat response subtypes.
const (
	ChatText            = "text"
	ChatAgentStatus     = "agent_status"
	ChatStop            = "stop"
	ChatQuestionRequest = "question_request"
)

// Frame is one decoded inbound unit. The set of implementations is closed:
// consumers switch over the concrete types below and treat anything else
// (UnknownFrame in practice) as ignorable.
type Frame interface {
	FrameType() string
	isFrame()
}

// TextFrame is a chat_response of type text.
type TextFrame struct {
	Data string
}

// AgentStatusFrame reports agent progress.
type AgentStatusFrame struct {
	Status      string
	Message     string
	CurrentNode string
	ToolName    string
}

// StopFrame ends the current turn.
type StopFrame struct {
	Reason string
}

// QuestionRequestFrame asks the user for a decision before the turn continues.
type QuestionRequestFrame struct {
	Question   string
	Options    []string
	ToolCallID string
}

// ErrorFrame is a backend reported application error.
type ErrorFrame struct {
	Message string
}

// AuthResponseFrame answers an auth_request.
type AuthResponseFrame struct {
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	Token    *string `json:"token"`
	UserID   *string `json:"user_id"`
	Username *string `json:"username"`
	Role     *string `json:"role"`
}

// ImageUploadResponseFrame acknowledges or rejects an image upload.
type ImageUploadResponseFrame struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ImagePath string `json:"image_path"`

	// Handle is set by transports that can correlate the response with its
	// request (HTTP uploads); empty for the WebSocket transport.
	Handle string `json:"-"`
}

// Succeeded reports whether the upload was accepted and yielded a path.
func (f *ImageUploadResponseFrame) Succeeded() bool {
	return strings.EqualFold(f.Status, "success") && f.ImagePath != ""
}

// UnknownFrame is any envelope or chat_response subtype this client does not
// understand.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

func (*TextFrame) FrameType() string                { return ChatText }
func (*AgentStatusFrame) FrameType() string         { return ChatAgentStatus }
func (*StopFrame) FrameType() string                { return ChatStop }
func (*QuestionRequestFrame) FrameType() string     { return ChatQuestionRequest }
func (*ErrorFrame) FrameType() string               { return TypeError }
func (*AuthResponseFrame) FrameType() string        { return TypeAuthResponse }
func (*ImageUploadResponseFrame) FrameType() string { return TypeImageUploadResponse }
func (f *UnknownFrame) FrameType() string           { return f.Type }

func (*TextFrame) isFrame()                {}
func (*AgentStatusFrame) isFrame()         {}
func (*StopFrame) isFrame()                {}
func (*QuestionRequestFrame) isFrame()     {}
func (*ErrorFrame) isFrame()               {}
func (*AuthResponseFrame) isFrame()        {}
func (*ImageUploadResponseFrame) isFrame() {}
func (*UnknownFrame) isFrame()             {}
