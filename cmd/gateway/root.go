package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/af-corp/ollama-gateway/internal/config"
	"github.com/af-corp/ollama-gateway/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Readiness-gated HTTP gateway for a local Ollama daemon",
	Long: `gateway waits for a local Ollama daemon to answer, then serves
POST /v1/chat/completions (translated to the daemon's /api/chat) and relays
everything under /api/ to the daemon unchanged, streaming chunked replies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "configs/gateway.yaml", "config file path (missing file uses defaults)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before environment overrides")
}

// setup loads .env and the config file and installs the configured logger as
// the slog default.
func setup() (*config.Loader, config.Config, *slog.Logger, *slog.LevelVar, error) {
	bootstrap, _ := telemetry.NewLogger(os.Stdout, "json", "info")

	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, config.Config{}, nil, nil, fmt.Errorf("load env file: %w", err)
	}

	loader := config.NewLoader(cfgFile, bootstrap)
	if err := loader.Load(); err != nil {
		return nil, config.Config{}, nil, nil, err
	}
	cfg := loader.Config()

	logger, level := telemetry.NewLogger(os.Stdout, cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)
	return loader, cfg, logger, level, nil
}
