package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/tollgate/internal/config"
	"github.com/haasonsaas/tollgate/internal/storage"
)

func runMigrateUp(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver == config.DriverMemory {
		return fmt.Errorf("database.driver is memory; nothing to migrate")
	}

	ctx := cmd.Context()
	pool := storage.DefaultPoolConfig()
	pool.MaxOpenConns = 1
	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL, pool)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s)\n", db.Dialect)
	return nil
}

func runMigrateSchema(cmd *cobra.Command, dialect string) error {
	ddl, err := storage.Schema(storage.Dialect(dialect))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ddl)
	return nil
}
