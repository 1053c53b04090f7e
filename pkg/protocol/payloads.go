package protocol

// AuthRequest is the auth_request payload.
type AuthRequest struct {
	Action     string `json:"action"` // login|register
	Identifier string `json:"identifier,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	ID         string `json:"id,omitempty"`
	Role       string `json:"role,omitempty"`
}

// ChatContent is the content of a history entry.
type ChatContent struct {
	Text      string `json:"text"`
	ImagePath string `json:"image_path,omitempty"`
}

// ChatMessage is one history entry of a chat_request.
type ChatMessage struct {
	Role    string      `json:"role"`
	Content ChatContent `json:"content"`
}

// ResumeData answers a pending interrupt.
type ResumeData struct {
	Answer     string `json:"answer"`
	ToolCallID string `json:"tool_call_id"`
}

// ChatRequest is the chat_request payload.
type ChatRequest struct {
	History           []ChatMessage `json:"history"`
	CurrentText       string        `json:"current_text"`
	CurrentImagePaths []string      `json:"current_image_paths"`
	ThreadID          string        `json:"thread_id"`
	ResumeData        *ResumeData   `json:"resume_data,omitempty"`
}

// ImageUploadRequest is the image_upload_request payload.
type ImageUploadRequest struct {
	Filename  string `json:"filename"`
	ImageData string `json:"image_data"` // base64
}

// QuestionPayload is carried by a question_request chat response.
type QuestionPayload struct {
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	ToolCallID string   `json:"tool_call_id"`
}

type agentStatusContent struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CurrentNode string `json:"current_node"`
	ToolName    string `json:"tool_name"`
}

// chatResponseContent is the union of all chat_response content shapes.
// Some backends nest the status fields under agent_status_content.
type chatResponseContent struct {
	Data *string `json:"data"`
	agentStatusContent
	AgentStatusContent *agentStatusContent `json:"agent_status_content"`
	Reason             string              `json:"reason"`
	QuestionPayload    *QuestionPayload    `json:"question_payload"`
}

type chatResponsePayload struct {
	Type    string              `json:"type"`
	Content chatResponseContent `json:"content"`
}
