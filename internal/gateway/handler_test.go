package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/ollama-gateway/internal/backend"
	"github.com/af-corp/ollama-gateway/internal/config"
	"github.com/af-corp/ollama-gateway/internal/httputil"
	"github.com/af-corp/ollama-gateway/internal/telemetry"
	"github.com/af-corp/ollama-gateway/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var testGatewayConfig = config.GatewayConfig{DefaultModel: "qwq", MaxBodyBytes: 1 << 20}

// newGateway starts the full router in front of backendURL.
func newGateway(t *testing.T, backendURL string, metrics *telemetry.Metrics) *httptest.Server {
	t.Helper()
	client := backend.NewClient(config.BackendConfig{
		BaseURL: backendURL,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold:      5,
			RecoveryProbeInterval: time.Minute,
		},
	}, metrics)
	t.Cleanup(client.Close)

	srv := httptest.NewServer(NewRouter(NewHandler(client, testGatewayConfig, metrics, "test")))
	t.Cleanup(srv.Close)
	return srv
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func decodeDetail(t *testing.T, r io.Reader) string {
	t.Helper()
	var apiErr httputil.APIError
	if err := json.NewDecoder(r).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return apiErr.Detail
}

func TestChatCompletions_Success(t *testing.T) {
	var got types.BackendChatRequest
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected backend call %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hello!"},"done":true}`))
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out types.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "llama3" {
		t.Errorf("unexpected envelope: %+v", out)
	}
	if !strings.HasPrefix(out.ID, "chat-") {
		t.Errorf("expected chat- id, got %s", out.ID)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Role != "assistant" || out.Choices[0].Message.Content != "Hello!" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %s", out.Choices[0].FinishReason)
	}
	if out.Usage.PromptTokens != -1 || out.Usage.CompletionTokens != -1 || out.Usage.TotalTokens != -1 {
		t.Errorf("expected -1 usage, got %+v", out.Usage)
	}

	if got.Model != "llama3" || got.Stream {
		t.Errorf("unexpected backend request: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Hi" {
		t.Errorf("messages not forwarded: %+v", got.Messages)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on response")
	}
}

func TestChatCompletions_DefaultModel(t *testing.T) {
	var gotModel string
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.BackendChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		w.Write([]byte(`{"message":{"role":"assistant","content":"ok"}}`))
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out types.ChatCompletionResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if gotModel != "qwq" || out.Model != "qwq" {
		t.Errorf("expected default model qwq, backend got %q, response has %q", gotModel, out.Model)
	}
}

func TestChatCompletions_Validation(t *testing.T) {
	var calls atomic.Int32
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"empty messages", `{"messages":[]}`, "Messages array is required and cannot be empty"},
		{"missing messages", `{"model":"llama3"}`, "Messages array is required and cannot be empty"},
		{"invalid json", `{"messages":`, "Invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
			if detail := decodeDetail(t, resp.Body); !strings.HasPrefix(detail, tt.detail) {
				t.Errorf("expected detail %q, got %q", tt.detail, detail)
			}
		})
	}

	if calls.Load() != 0 {
		t.Errorf("expected no backend calls, got %d", calls.Load())
	}
}

func TestChatCompletions_BackendUnreachable(t *testing.T) {
	gw := newGateway(t, closedServerURL(t), nil)

	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp.Body); !strings.HasPrefix(detail, "Error processing chat completion: ") {
		t.Errorf("unexpected detail %q", detail)
	}
}

func TestChatCompletions_BackendErrorBody(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"nope\" not found, try pulling it first"}`))
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"nope","messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp.Body); !strings.Contains(detail, `model "nope" not found`) {
		t.Errorf("expected backend message in detail, got %q", detail)
	}
}

func TestChatCompletions_BodyTooLarge(t *testing.T) {
	stub := &stubBackend{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	h := NewHandler(stub, config.GatewayConfig{DefaultModel: "qwq", MaxBodyBytes: 64}, metrics, "test")

	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 256) + `"}]}`
	w := httptest.NewRecorder()
	h.ChatCompletions(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(big)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
	if stub.chatCalls != 0 {
		t.Errorf("expected no backend calls, got %d", stub.chatCalls)
	}
	counter, _ := metrics.RequestTotal.GetMetricWithLabelValues("/v1/chat/completions", "POST", "413", "translate")
	var m dto.Metric
	counter.Write(&m)
	if *m.Counter.Value != 1 {
		t.Errorf("expected request recorded as 413, got %v", *m.Counter.Value)
	}
}

func TestProxy_BodyTooLargeRecordedAs413(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	stub := &stubBackend{forward: func() (backend.Response, error) {
		t.Error("backend must not be called for an oversized body")
		return nil, errors.New("unreachable")
	}}
	h := NewHandler(stub, config.GatewayConfig{MaxBodyBytes: 16}, metrics, "test")

	w := httptest.NewRecorder()
	h.Proxy(w, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(strings.Repeat("x", 64))))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	for status, want := range map[string]float64{"413": 1, "400": 0} {
		counter, _ := metrics.RequestTotal.GetMetricWithLabelValues("/api/*", "POST", status, "buffered")
		var m dto.Metric
		counter.Write(&m)
		if *m.Counter.Value != want {
			t.Errorf("status %s: expected %v requests recorded, got %v", status, want, *m.Counter.Value)
		}
	}
}

func TestProxy_Buffered(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotBody, gotHost string
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotQuery, gotHost = r.Method, r.URL.Path, r.URL.RawQuery, r.Host
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "ollama")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"modelfile":"FROM llama3"}`))
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Post(gw.URL+"/api/show?verbose=true", "application/json", strings.NewReader(`{"model":"llama3"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != `{"modelfile":"FROM llama3"}` {
		t.Errorf("body not relayed verbatim: %s", body)
	}
	if resp.Header.Get("X-Backend") != "ollama" {
		t.Error("backend header not relayed")
	}
	if gotMethod != http.MethodPost || gotPath != "/api/show" || gotQuery != "verbose=true" {
		t.Errorf("unexpected backend request %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotBody != `{"model":"llama3"}` {
		t.Errorf("body not forwarded: %s", gotBody)
	}
	if gotHost != strings.TrimPrefix(backendSrv.URL, "http://") {
		t.Errorf("expected Host rewritten to backend, got %s", gotHost)
	}
}

func TestProxy_BackendStatusRelayed(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	req, _ := http.NewRequest(http.MethodDelete, gw.URL+"/api/delete", strings.NewReader(`{"model":"gone"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if string(body) != `{"error":"model not found"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestProxy_NonJSONAndEmptyBodies(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/text":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("Ollama is running"))
		case "/api/empty":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Get(gw.URL + "/api/text")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "Ollama is running" {
		t.Errorf("expected plain text relayed, got %q", body)
	}

	resp, err = http.Get(gw.URL + "/api/empty")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Errorf("expected empty 200, got %d %q", resp.StatusCode, body)
	}
}

func TestProxy_Head(t *testing.T) {
	var gotMethod string
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("X-Digest", "sha256:abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Head(gw.URL + "/api/blobs/sha256:abc")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if gotMethod != http.MethodHead {
		t.Errorf("expected HEAD forwarded, got %s", gotMethod)
	}
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Digest") != "sha256:abc" {
		t.Errorf("unexpected HEAD response %d %v", resp.StatusCode, resp.Header)
	}
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	gw := newGateway(t, closedServerURL(t), nil)

	req, _ := http.NewRequest(http.MethodPut, gw.URL+"/api/tags", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestProxy_BackendUnreachable(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	gw := newGateway(t, closedServerURL(t), metrics)

	resp, err := http.Get(gw.URL + "/api/tags")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp.Body); detail == "" {
		t.Error("expected error detail")
	}

	counter, _ := metrics.BackendErrorsTotal.GetMetricWithLabelValues("/api/*", "transport")
	var m dto.Metric
	counter.Write(&m)
	if *m.Counter.Value != 1 {
		t.Errorf("expected 1 transport error recorded, got %v", *m.Counter.Value)
	}

	requests, _ := metrics.RequestTotal.GetMetricWithLabelValues("/api/*", "GET", "502", "buffered")
	var rm dto.Metric
	requests.Write(&rm)
	if *rm.Counter.Value != 1 {
		t.Errorf("expected 1 request recorded as 502, got %v", *rm.Counter.Value)
	}
}

func TestListModels(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("expected /api/tags, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3:latest","model":"llama3:latest","modified_at":"2024-05-01T10:00:00Z"}]}`))
	}))
	defer backendSrv.Close()

	gw := newGateway(t, backendSrv.URL, nil)

	resp, err := http.Get(gw.URL + "/v1/models")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var list types.ModelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "llama3:latest" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestListModels_BackendUnreachable(t *testing.T) {
	gw := newGateway(t, closedServerURL(t), nil)

	resp, err := http.Get(gw.URL + "/v1/models")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	gw := newGateway(t, closedServerURL(t), nil)

	resp, err := http.Get(gw.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "healthy" || body["version"] != "test" || body["backend"] != "closed" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestRequestID_HonoursIncoming(t *testing.T) {
	gw := newGateway(t, closedServerURL(t), nil)

	req, _ := http.NewRequest(http.MethodPost, gw.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "req_from_client")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.Header.Get("X-Request-ID") != "req_from_client" {
		t.Errorf("expected incoming id echoed, got %q", resp.Header.Get("X-Request-ID"))
	}
}

func TestRequestID_Generated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if !strings.HasPrefix(seen, "req_") {
		t.Errorf("expected req_ prefix, got %q", seen)
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Errorf("response id %q does not match context id %q", w.Header().Get("X-Request-ID"), seen)
	}
}

// stubBackend lets handler tests control errors without a network.
type stubBackend struct {
	forward   func() (backend.Response, error)
	chatCalls int
}

func (s *stubBackend) Chat(context.Context, *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	s.chatCalls++
	return nil, errors.New("not used")
}

func (s *stubBackend) Forward(context.Context, string, string, string, http.Header, []byte) (backend.Response, error) {
	return s.forward()
}

func (s *stubBackend) ListModels(context.Context) (*types.ModelListResponse, error) {
	return nil, &backend.UpstreamError{StatusCode: http.StatusInternalServerError, Message: "boom"}
}

func (s *stubBackend) CircuitState() backend.CircuitState { return backend.StateOpen }

func TestProxy_NonTransportErrorIs500(t *testing.T) {
	h := NewHandler(&stubBackend{forward: func() (backend.Response, error) {
		return nil, errors.New("create proxy request: bad method")
	}}, testGatewayConfig, nil, "test")

	w := httptest.NewRecorder()
	h.Proxy(w, httptest.NewRequest(http.MethodGet, "/api/tags", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestProxy_CircuitOpenIs502(t *testing.T) {
	h := NewHandler(&stubBackend{forward: func() (backend.Response, error) {
		return nil, &backend.TransportError{Op: "proxy GET /api/tags", Err: backend.ErrCircuitOpen}
	}}, testGatewayConfig, nil, "test")

	w := httptest.NewRecorder()
	h.Proxy(w, httptest.NewRequest(http.MethodGet, "/api/tags", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	if detail := decodeDetail(t, w.Body); !strings.Contains(detail, "circuit open") {
		t.Errorf("unexpected detail %q", detail)
	}
}

func TestListModels_UpstreamErrorIs500(t *testing.T) {
	h := NewHandler(&stubBackend{}, testGatewayConfig, nil, "test")

	w := httptest.NewRecorder()
	h.ListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
