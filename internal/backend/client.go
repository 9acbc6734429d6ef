package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/ollama-gateway/internal/config"
	"github.com/af-corp/ollama-gateway/internal/telemetry"
	"github.com/af-corp/ollama-gateway/internal/types"
)

// Client is the gateway's only handle on the inference daemon. It owns one
// pooled *http.Client that is safe for concurrent use by all requests.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
	adapter *OllamaAdapter
	metrics *telemetry.Metrics
}

// NewClient builds a backend client from cfg. metrics may be nil.
func NewClient(cfg config.BackendConfig, metrics *telemetry.Metrics) *Client {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 64
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		// Relay bodies byte for byte; clients negotiate encoding themselves.
		DisableCompression: true,
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		baseURL: base,
		// No client-wide timeout: chat calls and streams run to completion
		// and are bounded by the caller's context.
		http:    &http.Client{Transport: transport},
		breaker: NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryProbeInterval),
		adapter: NewOllamaAdapter(base),
		metrics: metrics,
	}
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient exposes the pooled client, e.g. for readiness probing.
func (c *Client) HTTPClient() *http.Client { return c.http }

// CircuitState returns the backend circuit breaker state.
func (c *Client) CircuitState() CircuitState { return c.breaker.State() }

// Close releases pooled idle connections to the backend.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// do sends req through the circuit breaker. Any error it returns is a
// *TransportError.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, &TransportError{Op: op, Err: ErrCircuitOpen}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A caller that went away says nothing about backend health, but a
		// half-open probe slot it held must be handed back.
		if req.Context().Err() != nil {
			c.breaker.ReleaseProbe()
		} else {
			c.breaker.RecordFailure()
		}
		c.publishState()
		return nil, &TransportError{Op: op, Err: err}
	}

	c.breaker.RecordSuccess()
	c.publishState()
	return resp, nil
}

func (c *Client) publishState() {
	if c.metrics != nil {
		c.metrics.SetCircuitState(int(c.breaker.State()))
	}
}

// Forward relays a request to path (which must start with "/") on the
// backend. The returned Response is *Streamed when the backend answers with
// chunked framing and *Buffered otherwise.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (Response, error) {
	target := c.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create proxy request: %w", err)
	}
	req.Header = RequestHeaders(header)

	resp, err := c.do(req, "proxy "+method+" "+path)
	if err != nil {
		return nil, err
	}

	if isChunked(resp) {
		return &Streamed{
			Status: resp.StatusCode,
			Header: ResponseHeaders(resp.Header),
			Body:   resp.Body,
		}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read proxy response", Err: err}
	}
	return &Buffered{
		Status: resp.StatusCode,
		Header: ResponseHeaders(resp.Header),
		Body:   data,
	}, nil
}

// Chat runs one non-streamed chat completion. req.Model must be resolved.
func (c *Client) Chat(ctx context.Context, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	httpReq, err := c.adapter.TransformRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(httpReq, "chat")
	if err != nil {
		return nil, err
	}
	return c.adapter.TransformResponse(ctx, resp, req.Model)
}

// ListModels fetches /api/tags and reshapes it into an OpenAI model list.
func (c *Client) ListModels(ctx context.Context) (*types.ModelListResponse, error) {
	var tags types.BackendTagsResponse
	if err := c.getJSON(ctx, "/api/tags", "list models", &tags); err != nil {
		return nil, err
	}

	out := &types.ModelListResponse{Object: types.ObjectList, Data: []types.ModelObject{}}
	for _, m := range tags.Models {
		id := m.Name
		if id == "" {
			id = m.Model
		}
		var created int64
		if ts, err := time.Parse(time.RFC3339Nano, m.ModifiedAt); err == nil {
			created = ts.Unix()
		}
		out.Data = append(out.Data, types.ModelObject{
			ID:      id,
			Object:  types.ObjectModel,
			Created: created,
			OwnedBy: "ollama",
		})
	}
	return out, nil
}

// Version returns the daemon's reported version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v types.BackendVersionResponse
	if err := c.getJSON(ctx, "/api/version", "version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Pull asks the daemon to download model and blocks until it has finished.
func (c *Client) Pull(ctx context.Context, model string) error {
	data, err := json.Marshal(types.BackendPullRequest{Model: model, Stream: false})
	if err != nil {
		return fmt.Errorf("marshal pull request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.do(req, "pull "+model)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read pull response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var pr types.BackendPullResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return &UpstreamError{Message: fmt.Sprintf("unmarshal pull response: %v", err)}
	}
	if pr.Error != "" {
		return &UpstreamError{Message: pr.Error}
	}

	slog.Info("model pulled", "model", model, "status", pr.Status, "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, op string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read " + op + " response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &UpstreamError{Message: fmt.Sprintf("unmarshal %s response: %v", op, err)}
	}
	return nil
}
