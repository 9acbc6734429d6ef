package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestTotal        *prometheus.CounterVec
	RequestDurationMs   *prometheus.HistogramVec
	StreamBytesTotal    prometheus.Counter
	StreamsInFlight     prometheus.Gauge
	BackendErrorsTotal  *prometheus.CounterVec
	ReadinessProbeTotal *prometheus.CounterVec
	CircuitState        prometheus.Gauge
}

// NewMetrics creates the gateway metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_gateway_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"route", "method", "status", "mode"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_gateway_request_duration_ms",
			Help:    "Request duration in milliseconds, including backend latency and streaming time.",
			Buckets: []float64{5, 25, 100, 250, 1000, 2500, 10000, 30000, 120000, 600000},
		}, []string{"route", "mode"}),

		StreamBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ollama_gateway_stream_bytes_total",
			Help: "Total bytes relayed to clients from chunked backend responses.",
		}),

		StreamsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_gateway_streams_in_flight",
			Help: "Number of chunked responses currently being relayed.",
		}),

		BackendErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_gateway_backend_errors_total",
			Help: "Backend failures by kind (transport, upstream).",
		}, []string{"route", "kind"}),

		ReadinessProbeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_gateway_readiness_probes_total",
			Help: "Readiness probes sent to the backend by result.",
		}, []string{"result"}),

		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_gateway_backend_circuit_state",
			Help: "Backend circuit breaker state (0=closed, 1=open, 2=half_open).",
		}),
	}
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Route      string
	Method     string
	Status     string
	Mode       string
	DurationMs float64
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Route, labels.Method, labels.Status, labels.Mode,
	).Inc()

	m.RequestDurationMs.WithLabelValues(
		labels.Route, labels.Mode,
	).Observe(labels.DurationMs)
}

// RecordBackendError records a failed backend call. kind is "transport" or "upstream".
func (m *Metrics) RecordBackendError(route, kind string) {
	m.BackendErrorsTotal.WithLabelValues(route, kind).Inc()
}

// RecordStreamBytes adds relayed stream bytes.
func (m *Metrics) RecordStreamBytes(n int) {
	if n > 0 {
		m.StreamBytesTotal.Add(float64(n))
	}
}

// RecordReadinessProbe records one readiness probe. result is "ready",
// "not_ready" or "unreachable".
func (m *Metrics) RecordReadinessProbe(result string) {
	m.ReadinessProbeTotal.WithLabelValues(result).Inc()
}

// SetCircuitState publishes the numeric breaker state.
func (m *Metrics) SetCircuitState(state int) {
	m.CircuitState.Set(float64(state))
}
