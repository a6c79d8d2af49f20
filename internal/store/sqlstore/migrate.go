package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// MigratePostgres applies the embedded schema migrations.
func MigratePostgres(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	sub, err := fs.Sub(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// m.Close would close db.
	return nil
}

// SQLiteMigrations returns the SQLite schema, one statement per entry.
func SQLiteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id        TEXT PRIMARY KEY,
			credit_balance INTEGER NOT NULL DEFAULT 0,
			plan_code      TEXT NOT NULL DEFAULT '',
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			user_id         TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			entry_type      TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			meta            TEXT NOT NULL DEFAULT '{}',
			created_at      INTEGER NOT NULL,
			reversed_at     INTEGER,
			PRIMARY KEY (user_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created ON ledger_entries (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS generation_records (
			id               TEXT PRIMARY KEY,
			uid              TEXT NOT NULL,
			status           TEXT NOT NULL,
			provider         TEXT NOT NULL,
			provider_task_id TEXT NOT NULL DEFAULT '',
			model            TEXT NOT NULL,
			prompt           TEXT NOT NULL DEFAULT '',
			image_url        TEXT NOT NULL DEFAULT '',
			params           TEXT NOT NULL DEFAULT '{}',
			estimated_cost   INTEGER NOT NULL DEFAULT 0,
			billed_credits   INTEGER NOT NULL DEFAULT 0,
			images           TEXT NOT NULL DEFAULT '[]',
			videos           TEXT NOT NULL DEFAULT '[]',
			error            TEXT NOT NULL DEFAULT '',
			failure_kind     TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			completed_at     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_records_uid_created ON generation_records (uid, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_records_task ON generation_records (uid, provider_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_records_status_created ON generation_records (status, created_at)`,
	}
}

// MigrateSQLite applies SQLiteMigrations in order.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	for i, stmt := range SQLiteMigrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration %d: %w", i, err)
		}
	}
	return nil
}
