package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/app"
	httpSrv "github.com/jmehdipour/treesync/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue agent: sync engine, connectivity monitor and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.Open(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		if err := a.EnableSync(ctx); err != nil {
			return err
		}

		deps := httpSrv.Deps{
			Queue:   a.Queue,
			Engine:  a.Engine,
			Monitor: a.Monitor,
			Codec:   a.Codec,
			Redis:   a.Redis,
			Log:     log.Named("http"),
		}
		if a.Outcomes != nil {
			deps.Outcomes = a.Outcomes
		}
		server := httpSrv.NewServer(cfg, deps)

		a.WatchConnectivity(ctx)

		engineDone := make(chan error, 1)
		go func() { engineDone <- a.Engine.Run(ctx) }()

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.HTTP.Addr) }()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
			stop()
		case err := <-engineDone:
			if err != nil {
				log.Error("sync engine exited", zap.Error(err))
			}
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		select {
		case <-engineDone:
		case <-shutdownCtx.Done():
		}
		return nil
	},
}
