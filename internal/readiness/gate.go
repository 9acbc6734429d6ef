// Package readiness blocks process startup until the inference backend
// answers its health probe.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/ollama-gateway/internal/config"
	"github.com/af-corp/ollama-gateway/internal/telemetry"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultInterval   = 2 * time.Second
	DefaultHealthPath = "/api/version"
)

// ErrStartupTimeout is returned when the backend never became ready.
var ErrStartupTimeout = errors.New("backend service failed to start")

// Gate polls the backend health endpoint.
type Gate struct {
	client       *http.Client
	url          string
	timeout      time.Duration
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Gate)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a gate probing baseURL+cfg.HealthPath. Zero values in cfg fall
// back to the package defaults. client may be nil.
func New(client *http.Client, baseURL string, cfg config.ReadinessConfig, opts ...Option) *Gate {
	if client == nil {
		client = http.DefaultClient
	}
	path := cfg.HealthPath
	if path == "" {
		path = DefaultHealthPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	g := &Gate{
		client:   client,
		url:      strings.TrimRight(baseURL, "/") + path,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.interval <= 0 {
		g.interval = DefaultInterval
	}
	g.probeTimeout = max(g.interval, time.Second)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Wait blocks until the backend answers 200, the timeout elapses, or ctx is
// done. Connection failures and non-200 statuses are both treated as "not
// ready yet". Waiting stops once another interval would reach the timeout,
// so timeout=6s, interval=2s yields probes at 0s, 2s and 4s.
func (g *Gate) Wait(ctx context.Context) error {
	start := g.now()
	for attempt := 1; ; attempt++ {
		err := g.probe(ctx)
		if err == nil {
			g.logger.Info("backend is ready", "url", g.url, "attempts", attempt, "elapsed_ms", g.now().Sub(start).Milliseconds())
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		elapsed := g.now().Sub(start)
		if elapsed+g.interval >= g.timeout {
			return fmt.Errorf("%w after %d attempts in %s: %v", ErrStartupTimeout, attempt, elapsed.Round(time.Millisecond), err)
		}

		g.logger.Info("waiting for backend",
			"url", g.url,
			"attempt", attempt,
			"elapsed_s", int(elapsed.Seconds()),
			"reason", err.Error(),
		)
		if err := g.sleep(ctx, g.interval); err != nil {
			return err
		}
	}
}

// probe sends one health request; nil means the backend answered 200.
func (g *Gate) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, g.url, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.record("unreachable")
		return fmt.Errorf("probe %s: %w", g.url, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.record("not_ready")
		return fmt.Errorf("probe %s: status %d", g.url, resp.StatusCode)
	}
	g.record("ready")
	return nil
}

func (g *Gate) record(result string) {
	if g.metrics != nil {
		g.metrics.RecordReadinessProbe(result)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
