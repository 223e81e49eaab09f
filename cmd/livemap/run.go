package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/topographica/livemap/internal/config"
)

func newRunCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", ".", "directory containing "+config.FileName)
	return cmd
}

func runRelay(ctx context.Context, configDir string) error {
	r := newRelay()
	r.setupLogging(ctx, configDir)
	defer r.closeLogging()

	r.checkServerStatus(ctx)
	r.setupSinks(ctx)
	defer r.closeSinks()

	if err := r.buildViews(); err != nil {
		r.logger.Error("Failed to build views", "error", err)
		return err
	}
	defer r.closeViews()

	srv, err := r.buildServer()
	if err != nil {
		return err
	}

	r.start()
	defer r.stopMonitor()

	r.logger.Info("Relay running", "worlds", len(r.views), "version", Version)
	err = srv.ListenAndServe(ctx)
	r.logger.Info("Shutting down", "error", err)
	return err
}
