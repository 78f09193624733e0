package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/app"
)

func newMasterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Seed search tasks into the shared queue",
		Long: `Runs the master role: enqueues one search task per configured
(keyword, page) for every source, then re-seeds on the configured cron
schedule. Keys that already ran are dropped by the queue's dedup set.`,
		RunE: runMaster,
	}
}

func runMaster(cmd *cobra.Command, _ []string) error {
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

	if err := a.RunMaster(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info("master stopped")
	return nil
}
