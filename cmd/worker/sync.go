package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/app"
	"github.com/jmehdipour/treesync/internal/connectivity"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync engine without the HTTP API",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single drain cycle, print its result and exit")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.EnableSync(ctx); err != nil {
		return err
	}

	if syncOnce {
		// no watchers run in one-shot mode; probe once up front
		for _, src := range a.Sources {
			if p, ok := src.(*connectivity.HTTPProbe); ok {
				a.Monitor.Set(p.Check(ctx))
			}
		}
		if err := a.Engine.Recover(ctx); err != nil {
			return err
		}
		res := a.Engine.Flush(ctx)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	a.WatchConnectivity(ctx)
	log.Info("sync worker started",
		zap.Int("concurrency", cfg.Sync.Concurrency),
		zap.Duration("interval", cfg.Sync.Interval),
		zap.Int("providers", len(cfg.Remote.Providers)),
	)
	return a.Engine.Run(ctx)
}
