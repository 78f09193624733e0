// Package cmd defines the CLI commands for the ecomspider executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhoudan/ecomspider/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ecomspider",
		Short: "Distributed e-commerce crawl coordinator",
		Long: `ecomspider crawls marketplace listings through a shared Redis task
queue. A master process seeds keyword search tasks; any number of worker
processes drain the queue, adapting their request rate to the sites'
pushback and persisting extracted records to the configured sinks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newMasterCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
