package types

// ChatCompletionRequest is the OpenAI-style body accepted on /v1/chat/completions.
// Only the fields the backend can honour are decoded; anything else is ignored.
type ChatCompletionRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BackendChatRequest is the native /api/chat request body.
type BackendChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// BackendPullRequest is the native /api/pull request body.
type BackendPullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}
