// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrationsFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not obtain migrations subdirectory: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrationsFS)
	if err != nil {
		return fmt.Errorf("could not create migrator: %w", err)
	}

	current, target, err := provider.GetVersions(ctx)
	if err != nil {
		return fmt.Errorf("could not get db version: %w", err)
	}
	logger.Info().Int64("current", current).Int64("target", target).Msg("Planning migrations")

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("could not migrate db: %w", err)
	}

	logger.Info().Int("steps", len(results)).Msg("Database migrated")
	return nil
}
