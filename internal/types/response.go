package types

const (
	ObjectChatCompletion = "chat.completion"
	ObjectList           = "list"
	ObjectModel          = "model"

	RoleAssistant    = "assistant"
	FinishReasonStop = "stop"

	// UnknownTokens is reported for every usage counter because the backend
	// does not return token counts.
	UnknownTokens = -1
)

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BackendChatResponse is the native, non-streamed /api/chat reply.
type BackendChatResponse struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// BackendError is the body the backend sends with a non-2xx status.
type BackendError struct {
	Error string `json:"error"`
}

type BackendTagsResponse struct {
	Models []BackendModel `json:"models"`
}

type BackendModel struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

type BackendVersionResponse struct {
	Version string `json:"version"`
}

type BackendPullResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelListResponse struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}
