package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/app"
)

func newWorkerCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the shared queue and persist extracted records",
		Long: `Runs the worker role: dequeues tasks for every configured source,
fetches through the rotation pools under the adaptive rate controller,
and feeds extracted records to the ingestion pipeline.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, concurrency)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "worker loops per source")
	return cmd
}

func runWorker(cmd *cobra.Command, concurrency int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			a.Logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	go func() {
		if serr := a.ServeOps(ctx); serr != nil {
			a.Logger.Error("ops server failed", zap.Error(serr))
		}
	}()

	if err := a.RunWorkers(ctx, concurrency); err != nil {
		return err
	}
	a.Logger.Info("workers stopped")
	return nil
}
