// Package app wires configured components into a running queue agent.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/codec"
	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/connectivity"
	"github.com/jmehdipour/treesync/internal/db"
	"github.com/jmehdipour/treesync/internal/dispatcher"
	"github.com/jmehdipour/treesync/internal/kafka"
	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/notify"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/service/queue"
	"github.com/jmehdipour/treesync/internal/worker"
)

type App struct {
	Config  config.Config
	Log     *zap.Logger
	Store   *repository.QueueRepositoryImpl
	Monitor *connectivity.Monitor
	Queue   *queue.Service
	Codec   *codec.Codec

	// set by EnableSync
	Engine   *worker.SyncEngine
	Remote   *dispatcher.Dispatcher
	Redis    *redis.Client
	Outcomes *repository.ChOutcomes
	Sources  []connectivity.Source

	closers []func() error
}

// Open connects the queue store and the components that only need it.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)

	store, err := repository.OpenQueue(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config: cfg,
		Log:    log,
		Store:  store,
		Queue:  queue.New(store, log.Named("queue")),
		Codec:  codec.New(store, codec.WithExportedBy(exportedBy()), codec.WithLogger(log.Named("codec"))),
	}
	a.closers = append(a.closers, store.Close)

	// without a probe the agent trusts pushed signals and starts online
	startOnline := cfg.Connectivity.ProbeURL == ""
	a.Monitor = connectivity.NewMonitor(store, startOnline, log.Named("connectivity"))
	store.OnChange(func() { _ = a.Monitor.Refresh(context.Background()) })
	_ = a.Monitor.Refresh(ctx)

	return a, nil
}

// EnableSync builds the remote client, feedback sinks, connectivity sources and the engine.
func (a *App) EnableSync(ctx context.Context) error {
	cfg := a.Config

	remote, err := dispatcher.FromConfig(cfg.Remote)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	a.Remote = remote

	sinks := notify.Multi{notify.NewLog(a.Log.Named("outcomes"))}

	rds, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	if rds != nil {
		a.Redis = rds
		a.closers = append(a.closers, rds.Close)
		if cfg.Redis.ConnectivityChannel != "" {
			a.Sources = append(a.Sources, connectivity.NewRedisSource(rds, cfg.Redis.ConnectivityChannel, a.Log.Named("connectivity")))
		}
	}

	if cfg.ClickHouse.DSN != "" {
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		a.closers = append(a.closers, chDB.Close)
		a.Outcomes = repository.NewCHOutcomesRepository(chDB)
		if err := a.Outcomes.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, a.Outcomes)
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.OutcomesTopic != "" {
		pub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.OutcomesTopic)
		a.closers = append(a.closers, pub.Close)
		sinks = append(sinks, pub)
	}

	if cfg.Connectivity.ProbeURL != "" {
		a.Sources = append(a.Sources, connectivity.NewHTTPProbe(
			cfg.Connectivity.ProbeURL,
			cfg.Connectivity.ProbeInterval,
			cfg.Connectivity.ProbeTimeout,
			a.Log.Named("probe"),
		))
	}

	a.Engine = worker.NewSyncEngine(a.Store, remote, a.Monitor,
		worker.WithConcurrency(cfg.Sync.Concurrency),
		worker.WithBackoff(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax),
		worker.WithMaxRetries(cfg.Sync.MaxRetries),
		worker.WithEntryTimeout(cfg.Sync.EntryTimeout),
		worker.WithInterval(cfg.Sync.Interval),
		worker.WithLockFile(cfg.Store.ResolvedLockPath()),
		worker.WithNotifier(sinks),
		worker.WithLogger(a.Log.Named("sync")),
	)
	return nil
}

// WatchConnectivity feeds every configured source into the monitor until ctx is done.
func (a *App) WatchConnectivity(ctx context.Context) {
	for _, src := range a.Sources {
		go func() {
			if err := a.Monitor.Watch(ctx, src); err != nil && ctx.Err() == nil {
				a.Log.Error("connectivity source stopped", zap.Error(err))
			}
		}()
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func exportedBy() string {
	host, err := os.Hostname()
	if err != nil {
		return "treesync"
	}
	return "treesync@" + host
}
