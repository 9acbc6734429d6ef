package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/ollama-gateway/internal/types"
)

// OllamaAdapter converts between the OpenAI chat-completion shape and the
// daemon's native /api/chat call.
type OllamaAdapter struct {
	baseURL string
	now     func() time.Time
}

func NewOllamaAdapter(baseURL string) *OllamaAdapter {
	return &OllamaAdapter{baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

// TransformRequest builds a non-streaming /api/chat request. req.Model must
// already be resolved.
func (a *OllamaAdapter) TransformRequest(ctx context.Context, req *types.ChatCompletionRequest) (*http.Request, error) {
	body := types.BackendChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	return httpReq, nil
}

// TransformResponse reads a native /api/chat reply and reshapes it into a
// chat.completion object for model.
func (a *OllamaAdapter) TransformResponse(ctx context.Context, resp *http.Response, model string) (*types.ChatCompletionResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read chat response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var native types.BackendChatResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, &UpstreamError{Message: fmt.Sprintf("unmarshal chat response: %v", err)}
	}
	if native.Error != "" {
		return nil, &UpstreamError{Message: native.Error}
	}

	now := a.now()
	return &types.ChatCompletionResponse{
		ID:      fmt.Sprintf("chat-%d", now.Unix()),
		Object:  types.ObjectChatCompletion,
		Created: now.Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.Message{
				Role:    types.RoleAssistant,
				Content: native.Message.Content,
			},
			FinishReason: types.FinishReasonStop,
		}},
		Usage: types.Usage{
			PromptTokens:     types.UnknownTokens,
			CompletionTokens: types.UnknownTokens,
			TotalTokens:      types.UnknownTokens,
		},
	}, nil
}

// errorMessage extracts {"error": "..."} from a backend error body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var be types.BackendError
	if err := json.Unmarshal(body, &be); err == nil && be.Error != "" {
		return be.Error
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	const max = 512
	if len(msg) > max {
		msg = msg[:max] + "..."
	}
	return msg
}
