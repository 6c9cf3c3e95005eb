package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const (
	// schemaVersion is the newest contexta_meta row written by initdb.sql.
	schemaVersion = 1
	// bootstrapLock serializes concurrent bootstraps from the API server and the CLI.
	bootstrapLock int64 = 0x636f6e7465787461
)

// EnsureBootstrapped applies scripts/initdb.sql when the recorded schema
// version is older than schemaVersion. The script is idempotent.
func EnsureBootstrapped(ctx context.Context, db *sql.DB) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	current, err := currentVersion(ctxBoot, db)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		slog.Debug("database schema up to date", "version", current)
		return nil
	}
	return runBootstrap(ctxBoot, db, current)
}

// currentVersion returns 0 when the meta table does not exist yet.
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'contexta_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("meta table check failed: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM contexta_meta`).Scan(&v); err != nil {
		return 0, fmt.Errorf("meta version check failed: %w", err)
	}
	return int(v.Int64), nil
}

func runBootstrap(ctx context.Context, db *sql.DB, from int) error {
	sqlBytes, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bootstrapLock); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bootstrap lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	slog.Info("database schema applied", "from", from, "version", schemaVersion)
	return nil
}
