package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/af-corp/ollama-gateway/internal/backend"
	"github.com/af-corp/ollama-gateway/internal/readiness"
	"github.com/spf13/cobra"
)

var waitFlags struct {
	timeout  time.Duration
	interval time.Duration
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until the daemon is ready",
	Long: `Probe the daemon's health endpoint until it answers 200. Exits 0 once
ready and 1 when readiness.timeout (or --timeout) elapses first.`,
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().DurationVar(&waitFlags.timeout, "timeout", 0, "override readiness.timeout")
	waitCmd.Flags().DurationVar(&waitFlags.interval, "interval", 0, "override readiness.interval")
}

func runWait(cmd *cobra.Command, args []string) error {
	_, cfg, logger, _, err := setup()
	if err != nil {
		return err
	}
	if waitFlags.timeout > 0 {
		cfg.Readiness.Timeout = waitFlags.timeout
	}
	if waitFlags.interval > 0 {
		cfg.Readiness.Interval = waitFlags.interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(cfg.Backend, nil)
	defer client.Close()

	gate := readiness.New(client.HTTPClient(), client.BaseURL(), cfg.Readiness, readiness.WithLogger(logger))
	if err := gate.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is ready\n", client.BaseURL())
	return nil
}
