package session

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
	"github.com/go-go-golems/tutor-chat/pkg/upload"
)

var (
	// ErrBusy is returned when a message is sent while a turn is in flight.
	ErrBusy = errors.New("a turn is already in flight")
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoPendingInterrupt is returned by AnswerInterrupt when the agent is
	// not waiting for an answer.
	ErrNoPendingInterrupt = errors.New("no pending interrupt")
)

// Phase is the conversational state derived from the busy flag, the pending
// interrupt and the connection.
type Phase string

const (
	PhaseIdle                      Phase = "idle"
	PhaseBusy                      Phase = "busy"
	PhaseWaitingForInterruptAnswer Phase = "waiting_for_interrupt_answer"
	PhaseDisconnected              Phase = "disconnected"
)

// Interrupt is a question the agent asked mid-turn. The turn continues once
// the user answers it with the same tool call id.
type Interrupt struct {
	ToolCallID string   `json:"tool_call_id" yaml:"tool_call_id"`
	Question   string   `json:"question" yaml:"question"`
	Options    []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// ProtocolError reports a frame that is invalid in the current state. The
// machine recovers from it as if the turn had stopped.
type ProtocolError struct {
	FrameType string
	Phase     Phase
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: unexpected %s while %s", e.FrameType, e.Phase)
}

// Outcome lists the side results of applying one frame that the owner of the
// machine has to publish.
type Outcome struct {
	// Upload is set when an upload response changed an image ref.
	Upload *transcript.ImageRef
	// Auth is set for auth responses.
	Auth *protocol.AuthResponseFrame
	// Err is set for protocol errors.
	Err error
	// Ignored is true when the frame did not change anything.
	Ignored bool
}

// Turn is a chat request prepared by BeginTurn and not yet committed.
type Turn struct {
	Request protocol.ChatRequest
	Resume  bool

	interrupt *Interrupt
}

// Machine is the session state machine. It holds no locks and performs no
// I/O: the owner serializes every call and ships the requests it builds.
type Machine struct {
	threadID  string
	busy      bool
	interrupt *Interrupt

	transcript *transcript.Store
	uploads    *upload.Coordinator
	logger     zerolog.Logger
}

func NewMachine(threadID string, store *transcript.Store, uploads *upload.Coordinator, logger zerolog.Logger) *Machine {
	return &Machine{
		threadID:   threadID,
		transcript: store,
		uploads:    uploads,
		logger:     logger,
	}
}

func (m *Machine) ThreadID() string { return m.threadID }

func (m *Machine) Busy() bool { return m.busy }

// PendingInterrupt returns a copy of the pending interrupt, or nil.
func (m *Machine) PendingInterrupt() *Interrupt {
	if m.interrupt == nil {
		return nil
	}
	cp := *m.interrupt
	cp.Options = append([]string(nil), m.interrupt.Options...)
	return &cp
}

// Phase returns the conversational phase assuming the connection is up.
func (m *Machine) Phase() Phase {
	switch {
	case m.busy:
		return PhaseBusy
	case m.interrupt != nil:
		return PhaseWaitingForInterruptAnswer
	default:
		return PhaseIdle
	}
}

// Apply handles one inbound frame.
func (m *Machine) Apply(f protocol.Frame) Outcome {
	switch f := f.(type) {
	case *protocol.TextFrame:
		m.transcript.Append(transcript.NewAssistantText(f.Data))

	case *protocol.AgentStatusFrame:
		m.transcript.Append(statusMessage(f))

	case *protocol.StopFrame:
		m.logger.Debug().Str("reason", f.Reason).Bool("had_interrupt", m.interrupt != nil).Msg("turn stopped")
		m.stop()

	case *protocol.QuestionRequestFrame:
		if !m.busy {
			perr := &ProtocolError{FrameType: f.FrameType(), Phase: m.Phase()}
			m.logger.Warn().Err(perr).Str("tool_call_id", f.ToolCallID).Msg("dropping interrupt")
			m.transcript.Append(transcript.NewError(perr.Error()))
			m.stop()
			return Outcome{Err: perr}
		}
		m.interrupt = &Interrupt{
			ToolCallID: f.ToolCallID,
			Question:   f.Question,
			Options:    append([]string(nil), f.Options...),
		}
		m.busy = false
		m.transcript.Append(transcript.NewAssistantText(f.Question))

	case *protocol.ErrorFrame:
		m.transcript.Append(transcript.NewError(f.Message))
		m.busy = false

	case *protocol.ImageUploadResponseFrame:
		ref, ok := m.uploads.Resolve(f)
		if !ok {
			return Outcome{Ignored: true}
		}
		return Outcome{Upload: &ref}

	case *protocol.AuthResponseFrame:
		return Outcome{Auth: f}

	default:
		m.logger.Debug().Str("type", f.FrameType()).Msg("ignoring unknown frame")
		return Outcome{Ignored: true}
	}
	return Outcome{}
}

func (m *Machine) stop() {
	m.busy = false
	m.interrupt = nil
}

// BeginTurn appends the user message and marks the session busy. When an
// interrupt is pending the text is its answer and the request carries
// resume_data; otherwise it is a fresh turn. The history is the transcript as
// it was before the user message.
func (m *Machine) BeginTurn(text string) (*Turn, error) {
	if m.busy {
		return nil, ErrBusy
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	history := History(m.transcript.Snapshot().Messages)
	turn := &Turn{
		Request: protocol.ChatRequest{
			History:           history,
			CurrentText:       text,
			CurrentImagePaths: m.uploads.RemotePaths(),
			ThreadID:          m.threadID,
		},
	}
	if m.interrupt != nil {
		turn.Resume = true
		turn.interrupt = m.interrupt
		turn.Request.ResumeData = &protocol.ResumeData{
			Answer:     text,
			ToolCallID: m.interrupt.ToolCallID,
		}
		m.interrupt = nil
	}

	m.transcript.Append(transcript.NewUserText(text))
	m.busy = true
	return turn, nil
}

// CommitTurn runs after the request was handed to the transport. The
// acknowledged images leave the upload queue and become user image messages.
func (m *Machine) CommitTurn(*Turn) []transcript.ImageRef {
	taken := m.uploads.TakeAcked()
	if len(taken) == 0 {
		return nil
	}
	msgs := make([]transcript.Message, 0, len(taken))
	for _, ref := range taken {
		msgs = append(msgs, transcript.NewUserImage(ref))
	}
	m.transcript.Append(msgs...)
	return taken
}

// AbortTurn undoes the busy flag after the transport refused the request. The
// interrupt the turn answered becomes pending again and the images stay
// queued.
func (m *Machine) AbortTurn(turn *Turn, err error) {
	m.busy = false
	if turn != nil && turn.interrupt != nil {
		m.interrupt = turn.interrupt
	}
	m.transcript.Append(transcript.NewError(fmt.Sprintf("message not sent: %v", err)))
}

// ConnectionLost ends a turn that was in flight when the transport dropped.
// The pending interrupt is kept: the backend still holds it.
func (m *Machine) ConnectionLost() bool {
	if !m.busy {
		return false
	}
	m.busy = false
	m.transcript.Append(transcript.NewError("connection lost while waiting for a response"))
	return true
}

// Halt clears the busy flag without touching the transcript; used for a
// disconnect the caller asked for.
func (m *Machine) Halt() {
	m.busy = false
}

// History maps transcript messages to chat_request history entries. User
// messages keep the user role; everything else is sent as assistant.
func History(msgs []transcript.Message) []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		role := "assistant"
		if msg.Role == transcript.RoleUser {
			role = "user"
		}
		content := protocol.ChatContent{Text: msg.Text}
		if msg.Image != nil {
			content.ImagePath = msg.Image.RemotePath
		}
		out = append(out, protocol.ChatMessage{Role: role, Content: content})
	}
	return out
}

func statusMessage(f *protocol.AgentStatusFrame) transcript.Message {
	text := f.Message
	if text == "" {
		text = f.Status
	}
	meta := map[string]string{}
	if f.Status != "" {
		meta["status"] = f.Status
	}
	if f.CurrentNode != "" {
		meta["current_node"] = f.CurrentNode
	}
	if f.ToolName != "" {
		meta["tool_name"] = f.ToolName
	}
	return transcript.NewStatus(text, meta)
}
