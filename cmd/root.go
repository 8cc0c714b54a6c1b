package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/cmd/worker"
	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/logger"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "treesync",
		Short: "Offline write queue and sync agent",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (embedded defaults when empty)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// loadConfig loads the config and initializes the global logger from it.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.Init(cfg.Log.Level, cfg.Log.Encoding), nil
}
