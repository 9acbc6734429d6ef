package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/af-corp/ollama-gateway/internal/backend"
	"github.com/af-corp/ollama-gateway/internal/readiness"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull [model]",
	Short: "Pull a model through the daemon",
	Long: `Wait for the daemon, then ask it to download a model. Without an
argument the configured default model is pulled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	_, cfg, logger, _, err := setup()
	if err != nil {
		return err
	}
	model := cfg.Gateway.DefaultModel
	if len(args) == 1 {
		model = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(cfg.Backend, nil)
	defer client.Close()

	gate := readiness.New(client.HTTPClient(), client.BaseURL(), cfg.Readiness, readiness.WithLogger(logger))
	if err := gate.Wait(ctx); err != nil {
		return err
	}
	if err := client.Pull(ctx, model); err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pulled %s\n", model)
	return nil
}
