package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/treesync/internal/db"
	"github.com/jmehdipour/treesync/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the queue store schema (and the ClickHouse outcomes table when configured)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx := context.Background()

		store, err := repository.OpenQueue(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		defer store.Close()

		if cfg.ClickHouse.DSN != "" {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolFrom(cfg.ClickHouse))
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer chDB.Close()
			if err := repository.NewCHOutcomesRepository(chDB).Migrate(ctx); err != nil {
				return err
			}
		}

		fmt.Println(">> Migration complete ✅")
		return nil
	},
}
