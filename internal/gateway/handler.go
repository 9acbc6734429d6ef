package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/ollama-gateway/internal/backend"
	"github.com/af-corp/ollama-gateway/internal/config"
	"github.com/af-corp/ollama-gateway/internal/httputil"
	"github.com/af-corp/ollama-gateway/internal/telemetry"
	"github.com/af-corp/ollama-gateway/internal/types"
)

const (
	routeChat   = "/v1/chat/completions"
	routeModels = "/v1/models"
	routeProxy  = "/api/*"

	modeTranslate = "translate"
	modeBuffered  = "buffered"
	modeStream    = "stream"
)

// Backend is the subset of *backend.Client the handlers use.
type Backend interface {
	Chat(ctx context.Context, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error)
	Forward(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (backend.Response, error)
	ListModels(ctx context.Context) (*types.ModelListResponse, error)
	CircuitState() backend.CircuitState
}

// Handler holds dependencies for the gateway HTTP handlers. It keeps no
// per-request state; every field is fixed at construction.
type Handler struct {
	backend      Backend
	defaultModel string
	maxBodyBytes int64
	metrics      *telemetry.Metrics
	version      string
}

// NewHandler builds the handlers. metrics may be nil.
func NewHandler(b Backend, cfg config.GatewayConfig, metrics *telemetry.Metrics, version string) *Handler {
	return &Handler{
		backend:      b,
		defaultModel: cfg.DefaultModel,
		maxBodyBytes: cfg.MaxBodyBytes,
		metrics:      metrics,
		version:      version,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, status := h.readBody(w, r, reqID)
	if status != http.StatusOK {
		h.record(routeChat, r.Method, status, modeTranslate, receivedAt)
		return
	}

	var req types.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		h.record(routeChat, r.Method, http.StatusBadRequest, modeTranslate, receivedAt)
		return
	}
	if len(req.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "Messages array is required and cannot be empty")
		h.record(routeChat, r.Method, http.StatusBadRequest, modeTranslate, receivedAt)
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	resp, err := h.backend.Chat(r.Context(), &req)
	if err != nil {
		slog.Error("chat completion failed",
			"request_id", reqID,
			"model", req.Model,
			"error", err,
		)
		if h.metrics != nil {
			h.metrics.RecordBackendError(routeChat, errorKind(err))
		}
		httputil.WriteUpstreamError(w, reqID, "Error processing chat completion: "+err.Error())
		h.record(routeChat, r.Method, http.StatusInternalServerError, modeTranslate, receivedAt)
		return
	}

	slog.Info("chat completion served",
		"request_id", reqID,
		"model", req.Model,
		"messages", len(req.Messages),
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
	h.record(routeChat, r.Method, http.StatusOK, modeTranslate, receivedAt)
}

// Proxy handles {GET,POST,DELETE,HEAD} /api/* by relaying the request to the
// backend unchanged apart from Host and Content-Length.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, status := h.readBody(w, r, reqID)
	if status != http.StatusOK {
		h.record(routeProxy, r.Method, status, modeBuffered, receivedAt)
		return
	}

	resp, err := h.backend.Forward(r.Context(), r.Method, r.URL.EscapedPath(), r.URL.RawQuery, r.Header, body)
	if err != nil {
		if backend.IsTransportError(err) {
			slog.Error("error proxying request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
			if h.metrics != nil {
				h.metrics.RecordBackendError(routeProxy, "transport")
			}
			httputil.WriteBadGatewayError(w, reqID, err.Error())
			h.record(routeProxy, r.Method, http.StatusBadGateway, modeBuffered, receivedAt)
			return
		}
		slog.Error("unexpected proxy error", "request_id", reqID, "path", r.URL.Path, "error", err)
		httputil.WriteInternalError(w, reqID, err.Error())
		h.record(routeProxy, r.Method, http.StatusInternalServerError, modeBuffered, receivedAt)
		return
	}

	switch v := resp.(type) {
	case *backend.Buffered:
		writeBuffered(w, reqID, r.URL.Path, v)
		h.record(routeProxy, r.Method, v.Status, modeBuffered, receivedAt)
	case *backend.Streamed:
		if h.metrics != nil {
			h.metrics.StreamsInFlight.Inc()
			defer h.metrics.StreamsInFlight.Dec()
		}
		written, err := relayStream(w, v)
		if h.metrics != nil {
			h.metrics.RecordStreamBytes(int(written))
		}
		if err != nil {
			// Headers are already sent; the client sees a truncated stream.
			slog.Warn("stream relay ended early",
				"request_id", reqID,
				"path", r.URL.Path,
				"bytes", written,
				"client_gone", r.Context().Err() != nil,
				"error", err,
			)
		}
		h.record(routeProxy, r.Method, v.Status, modeStream, receivedAt)
	default:
		httputil.WriteInternalError(w, reqID, "unsupported backend response")
		h.record(routeProxy, r.Method, http.StatusInternalServerError, modeBuffered, receivedAt)
	}
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	list, err := h.backend.ListModels(r.Context())
	if err != nil {
		slog.Error("list models failed", "request_id", reqID, "error", err)
		if h.metrics != nil {
			h.metrics.RecordBackendError(routeModels, errorKind(err))
		}
		if backend.IsTransportError(err) {
			httputil.WriteBadGatewayError(w, reqID, err.Error())
			h.record(routeModels, r.Method, http.StatusBadGateway, modeTranslate, receivedAt)
			return
		}
		httputil.WriteUpstreamError(w, reqID, "Error listing models: "+err.Error())
		h.record(routeModels, r.Method, http.StatusInternalServerError, modeTranslate, receivedAt)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
	h.record(routeModels, r.Method, http.StatusOK, modeTranslate, receivedAt)
}

// Health handles GET /healthz. It reports gateway liveness and the backend
// circuit state without calling the backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": h.version,
		"backend": h.backend.CircuitState().String(),
	})
}

// readBody buffers the whole request body. On failure it writes the error
// response itself and returns the status it sent; otherwise it returns 200.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, reqID string) ([]byte, int) {
	defer r.Body.Close()

	reader := io.Reader(r.Body)
	if h.maxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteRequestTooLargeError(w, reqID, "Request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return nil, http.StatusRequestEntityTooLarge
		}
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return nil, http.StatusBadRequest
	}
	return body, http.StatusOK
}

func writeBuffered(w http.ResponseWriter, reqID, path string, resp *backend.Buffered) {
	if len(resp.Body) > 0 && !json.Valid(resp.Body) {
		slog.Debug("relaying non-JSON backend body", "request_id", reqID, "path", path, "content_type", resp.Header.Get("Content-Type"))
	}
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}

func (h *Handler) record(route, method string, status int, mode string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordRequest(telemetry.RequestLabels{
		Route:      route,
		Method:     method,
		Status:     strconv.Itoa(status),
		Mode:       mode,
		DurationMs: float64(time.Since(start).Milliseconds()),
	})
}

func errorKind(err error) string {
	if backend.IsTransportError(err) {
		return "transport"
	}
	return "upstream"
}
