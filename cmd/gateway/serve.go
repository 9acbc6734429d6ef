package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/af-corp/ollama-gateway/internal/backend"
	"github.com/af-corp/ollama-gateway/internal/config"
	"github.com/af-corp/ollama-gateway/internal/gateway"
	"github.com/af-corp/ollama-gateway/internal/readiness"
	"github.com/af-corp/ollama-gateway/internal/supervisor"
	"github.com/af-corp/ollama-gateway/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	port        int
	model       string
	skipPreload bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Wait for the daemon and start the gateway",
	Long: `Start the gateway. Startup blocks until the daemon's health endpoint
answers 200 (exit status 1 if it never does within readiness.timeout), then
pulls the default model once and begins serving.

Examples:
  # Default config
  gateway serve

  # Custom config, serve on 8080 without pulling the model
  gateway serve -c /etc/ollama-gateway/gateway.yaml --port 8080 --skip-preload`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "override server.port")
	serveCmd.Flags().StringVarP(&serveFlags.model, "model", "m", "", "override the default model")
	serveCmd.Flags().BoolVar(&serveFlags.skipPreload, "skip-preload", false, "do not pull the default model at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, logger, level, err := setup()
	if err != nil {
		return err
	}
	if serveFlags.port != 0 {
		cfg.Server.Port = serveFlags.port
	}
	if serveFlags.model != "" {
		cfg.Gateway.DefaultModel = serveFlags.model
	}
	if serveFlags.skipPreload {
		cfg.Preload.Enabled = false
	}

	// Only the log level follows the file after startup; the rest of the
	// configuration is fixed for the life of the process.
	loader.OnReload(func(c *config.Config) {
		level.Set(telemetry.ParseLevel(c.Telemetry.LogLevel))
		logger.Info("log level updated", "level", c.Telemetry.LogLevel)
	})
	if stopWatch, err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	client := backend.NewClient(cfg.Backend, metrics)

	var sup *supervisor.Supervisor
	defer func() {
		client.Close()
		if sup != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopTimeout+5*time.Second)
			defer cancel()
			if err := sup.Stop(stopCtx); err != nil {
				logger.Error("failed to stop backend process", "error", err)
			}
		}
	}()

	if cfg.Supervisor.Enabled {
		sup = supervisor.New(cfg.Supervisor, logger)
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("start backend process: %w", err)
		}
	}

	gate := readiness.New(client.HTTPClient(), client.BaseURL(), cfg.Readiness,
		readiness.WithLogger(logger),
		readiness.WithMetrics(metrics),
	)
	if err := gate.Wait(ctx); err != nil {
		logger.Error("backend never became ready", "backend", client.BaseURL(), "error", err)
		return err
	}
	if v, err := client.Version(ctx); err == nil {
		logger.Info("backend ready", "backend", client.BaseURL(), "backend_version", v)
	}

	if err := preload(ctx, client, cfg, logger); err != nil {
		return err
	}

	handler := gateway.NewHandler(client, cfg.Gateway, metrics, Version)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      gateway.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", Version, "default_model", cfg.Gateway.DefaultModel)
		errCh <- srv.ListenAndServe()
	}()

	var metricsSrv *http.Server
	if cfg.Telemetry.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{
			Addr:              cfg.Telemetry.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Telemetry.MetricsAddr)
			errCh <- metricsSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// preload pulls the default model once. A failed pull is logged and startup
// continues unless preload.required is set.
func preload(ctx context.Context, client *backend.Client, cfg config.Config, logger *slog.Logger) error {
	if !cfg.Preload.Enabled || cfg.Gateway.DefaultModel == "" {
		return nil
	}
	logger.Info("preloading model", "model", cfg.Gateway.DefaultModel)
	if err := client.Pull(ctx, cfg.Gateway.DefaultModel); err != nil {
		if cfg.Preload.Required {
			return fmt.Errorf("preload model %s: %w", cfg.Gateway.DefaultModel, err)
		}
		logger.Warn("model preload failed, continuing", "model", cfg.Gateway.DefaultModel, "error", err)
	}
	return nil
}
