package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/treesync/internal/config"
)

// NewStoreConnection opens the queue database selected by store.driver.
func NewStoreConnection(cfg config.StoreConfig) (*sqlx.DB, error) {
	pool := PoolFrom(cfg.DatabaseConfig)
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteConnection(cfg.DSN, SQLiteOpts{BusyTimeout: cfg.BusyTimeout, PoolOpts: pool})
	case "mysql":
		return NewMySQLConnection(cfg.DSN, pool)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// PoolFrom converts a config section into pool options.
func PoolFrom(cfg config.DatabaseConfig) PoolOpts {
	return PoolOpts{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		PingTimeout:     cfg.PingTimeout,
	}
}
