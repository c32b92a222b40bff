package database

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
)

const migrationSuffix = ".up.sql"

// RunMigrations applies every *.up.sql file at the root of fsys in lexical
// order, recording applied versions in schema_migrations. Each file runs in
// its own transaction. Connection errors are retried; SQL errors are not.
func RunMigrations(ctx context.Context, db DBTX, fsys fs.FS, logger *slog.Logger) error {
	return withRetry(ctx, logger, "run migrations", func() error {
		return runMigrationsOnce(ctx, db, fsys, logger)
	})
}

func runMigrationsOnce(ctx context.Context, db DBTX, fsys fs.FS, logger *slog.Logger) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	// fs.ReadDir returns entries sorted by filename.
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, migrationSuffix) {
			continue
		}

		var applied bool
		err := db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			logger.DebugContext(ctx, "migration already applied", slog.String("version", name))
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx for migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		logger.InfoContext(ctx, "migration applied", slog.String("version", name))
	}

	return nil
}
