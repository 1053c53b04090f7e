package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a record that could not be turned into a Frame. It only
// ever concerns that one record.
type DecodeError struct {
	Msg string
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(msg string, raw []byte, err error) *DecodeError {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &DecodeError{Msg: msg, Raw: cp, Err: err}
}

// Decode parses one envelope {type, payload} into a Frame. Unrecognized types
// yield an UnknownFrame, not an error.
func Decode(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeError("decode envelope", data, err)
	}
	if env.Type == "" {
		return nil, decodeError("envelope without type", data, nil)
	}

	switch env.Type {
	case TypeChatResponse:
		return DecodeChatResponse(env.Payload)
	case TypeError:
		var p struct {
			Message string `json:"message"`
		}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, decodeError("decode error payload", data, err)
		}
		return &ErrorFrame{Message: p.Message}, nil
	case TypeAuthResponse:
		f := &AuthResponseFrame{}
		if err := unmarshalPayload(env.Payload, f); err != nil {
			return nil, decodeError("decode auth_response payload", data, err)
		}
		return f, nil
	case TypeImageUploadResponse:
		f := &ImageUploadResponseFrame{}
		if err := unmarshalPayload(env.Payload, f); err != nil {
			return nil, decodeError("decode image_upload_response payload", data, err)
		}
		return f, nil
	default:
		return &UnknownFrame{Type: env.Type, Raw: env.Payload}, nil
	}
}

// DecodeChatResponse parses a chat_response payload ({type, content}). The
// streamed HTTP transport carries these payloads without an envelope.
func DecodeChatResponse(payload []byte) (Frame, error) {
	var p chatResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, decodeError("decode chat_response", payload, err)
	}
	c := p.Content

	switch p.Type {
	case ChatText:
		if c.Data == nil {
			return nil, decodeError("text chat_response without content.data", payload, nil)
		}
		return &TextFrame{Data: *c.Data}, nil
	case ChatAgentStatus:
		st := c.agentStatusContent
		if c.AgentStatusContent != nil {
			st = *c.AgentStatusContent
		}
		return &AgentStatusFrame{
			Status:      st.Status,
			Message:     st.Message,
			CurrentNode: st.CurrentNode,
			ToolName:    st.ToolName,
		}, nil
	case ChatStop:
		return &StopFrame{Reason: c.Reason}, nil
	case ChatQuestionRequest:
		q := c.QuestionPayload
		if q == nil {
			return nil, decodeError("question_request without question_payload", payload, nil)
		}
		return &QuestionRequestFrame{
			Question:   q.Question,
			Options:    append([]string(nil), q.Options...),
			ToolCallID: q.ToolCallID,
		}, nil
	default:
		return &UnknownFrame{Type: TypeChatResponse + "." + p.Type, Raw: payload}, nil
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
