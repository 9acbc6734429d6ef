package config

import "time"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Readiness  ReadinessConfig  `yaml:"readiness"`
	Preload    PreloadConfig    `yaml:"preload"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// BackendConfig describes how the gateway reaches the inference daemon.
type BackendConfig struct {
	BaseURL               string               `yaml:"base_url"`
	MaxIdleConns          int                  `yaml:"max_idle_conns"`
	IdleConnTimeout       time.Duration        `yaml:"idle_conn_timeout"`
	ResponseHeaderTimeout time.Duration        `yaml:"response_header_timeout"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig controls fail-fast behaviour when the backend is down.
// A FailureThreshold of 0 disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type GatewayConfig struct {
	DefaultModel string `yaml:"default_model"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type ReadinessConfig struct {
	HealthPath string        `yaml:"health_path"`
	Timeout    time.Duration `yaml:"timeout"`
	Interval   time.Duration `yaml:"interval"`
}

type PreloadConfig struct {
	Enabled  bool `yaml:"enabled"`
	Required bool `yaml:"required"`
}

type SupervisorConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env,omitempty"`
	StopTimeout time.Duration     `yaml:"stop_timeout"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			ReadTimeout: 30 * time.Second,
			// Streams and chat calls run until the backend finishes.
			WriteTimeout:     0,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL:         "http://localhost:11434",
			MaxIdleConns:    64,
			IdleConnTimeout: 90 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 10 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			DefaultModel: "qwq",
			MaxBodyBytes: 32 << 20,
		},
		Readiness: ReadinessConfig{
			HealthPath: "/api/version",
			Timeout:    30 * time.Second,
			Interval:   2 * time.Second,
		},
		Preload: PreloadConfig{
			Enabled: true,
		},
		Supervisor: SupervisorConfig{
			Enabled:     false,
			Command:     []string{"ollama", "serve"},
			StopTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}
