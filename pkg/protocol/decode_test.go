package protocol

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDecodeChatResponseVariants(t *testing.T) {
	f, err := Decode([]byte(`{"type":"chat_response","payload":{"type":"text","content":{"data":"hello"}}}`))
	require.NoError(t, err)
	require.Equal(t, &TextFrame{Data: "hello"}, f)

	f, err = Decode([]byte(`{"type":"chat_response","payload":{"type":"agent_status","content":{"status":"thinking","message":"Agent is thinking","current_node":"agent"}}}`))
	require.NoError(t, err)
	require.Equal(t, &AgentStatusFrame{Status: "thinking", Message: "Agent is thinking", CurrentNode: "agent"}, f)

	f, err = Decode([]byte(`{"type":"chat_response","payload":{"type":"stop","content":{"reason":"normal"}}}`))
	require.NoError(t, err)
	require.Equal(t, &StopFrame{Reason: "normal"}, f)

	f, err = Decode([]byte(`{"type":"chat_response","payload":{"type":"question_request","content":{"question_payload":{"question":"Pick one","options":["a","b"],"tool_call_id":"tc1"}}}}`))
	require.NoError(t, err)
	require.Equal(t, &QuestionRequestFrame{Question: "Pick one", Options: []string{"a", "b"}, ToolCallID: "tc1"}, f)
}

func TestDecodeNestedAgentStatus(t *testing.T) {
	f, err := DecodeChatResponse([]byte(`{"type":"agent_status","content":{"agent_status_content":{"status":"tool_calling","message":"calling tool","tool_name":"search"}}}`))
	require.NoError(t, err)
	require.Equal(t, &AgentStatusFrame{Status: "tool_calling", Message: "calling tool", ToolName: "search"}, f)
}

func TestDecodeTopLevelFrames(t *testing.T) {
	f, err := Decode([]byte(`{"type":"error","payload":{"message":"boom"}}`))
	require.NoError(t, err)
	require.Equal(t, &ErrorFrame{Message: "boom"}, f)

	f, err = Decode([]byte(`{"type":"image_upload_response","payload":{"status":"success","message":"ok","image_path":"/temp/images/a.png"}}`))
	require.NoError(t, err)
	up, ok := f.(*ImageUploadResponseFrame)
	require.True(t, ok)
	require.True(t, up.Succeeded())
	require.Equal(t, "/temp/images/a.png", up.ImagePath)

	f, err = Decode([]byte(`{"type":"auth_response","payload":{"status":"success","message":"welcome","user_id":"u1","token":null}}`))
	require.NoError(t, err)
	auth, ok := f.(*AuthResponseFrame)
	require.True(t, ok)
	require.Equal(t, "success", auth.Status)
	require.NotNil(t, auth.UserID)
	require.Equal(t, "u1", *auth.UserID)
	require.Nil(t, auth.Token)
}

func TestDecodeUnknownTypes(t *testing.T) {
	f, err := Decode([]byte(`{"type":"health_check_response","payload":{"status":"ok"}}`))
	require.NoError(t, err)
	require.Equal(t, "health_check_response", f.FrameType())
	_, ok := f.(*UnknownFrame)
	require.True(t, ok)

	f, err = Decode([]byte(`{"type":"chat_response","payload":{"type":"thinking_delta","content":{}}}`))
	require.NoError(t, err)
	require.Equal(t, "chat_response.thinking_delta", f.FrameType())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	require.Equal(t, `{"type":`, string(de.Raw))

	_, err = Decode([]byte(`{"payload":{}}`))
	require.Error(t, err)

	_, err = DecodeChatResponse([]byte(`{"type":"text","content":{}}`))
	require.Error(t, err)

	_, err = DecodeChatResponse([]byte(`{"type":"question_request","content":{}}`))
	require.Error(t, err)
}

func TestChatRequestEnvelope(t *testing.T) {
	env, err := NewChatRequestEnvelope(ChatRequest{
		CurrentText: "42",
		ThreadID:    "t1",
		ResumeData:  &ResumeData{Answer: "42", ToolCallID: "tc1"},
	})
	require.NoError(t, err)
	require.Equal(t, TypeChatRequest, env.Type)

	b, err := env.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	payload := decoded["payload"].(map[string]any)
	require.Equal(t, []any{}, payload["history"])
	require.Equal(t, []any{}, payload["current_image_paths"])
	require.Equal(t, "t1", payload["thread_id"])
	require.Equal(t, map[string]any{"answer": "42", "tool_call_id": "tc1"}, payload["resume_data"])
	_, hasHandle := decoded["Handle"]
	require.False(t, hasHandle)
}

func TestChatRequestOmitsResumeData(t *testing.T) {
	env, err := NewChatRequestEnvelope(ChatRequest{CurrentText: "hi", ThreadID: "t1"})
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	_, ok := payload["resume_data"]
	require.False(t, ok)
}
