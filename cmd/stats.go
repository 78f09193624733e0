package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zhoudan/ecomspider/internal/monitor"
)

func newStatsCmd() *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print one day's crawl counters as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, day)
		},
	}

	cmd.Flags().StringVar(&day, "day", "", "day to report, YYYYMMDD (default today)")
	return cmd
}

func runStats(cmd *cobra.Command, day string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx := cmd.Context()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	snap, err := monitor.NewRedisStats(rdb).Snapshot(ctx, day)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
