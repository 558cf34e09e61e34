package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
  id               TEXT PRIMARY KEY,
  conversation_key TEXT NOT NULL,
  payload          JSON NOT NULL,
  attachments      JSON,
  submitted_by     TEXT NOT NULL,
  status           TEXT NOT NULL,
  attempt          INTEGER NOT NULL DEFAULT 1,
  max_attempts     INTEGER NOT NULL DEFAULT 4,
  batch_id         TEXT,
  created_at       TEXT NOT NULL,
  dispatched_at    TEXT,
  completed_at     TEXT,
  next_retry_at    TEXT,
  last_error       TEXT
);`,
		`CREATE TABLE IF NOT EXISTS work_batches (
  id               TEXT PRIMARY KEY,
  conversation_key TEXT NOT NULL,
  status           TEXT NOT NULL,
  item_count       INTEGER NOT NULL DEFAULT 0,
  opened_at        TEXT NOT NULL,
  closed_at        TEXT
);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id               TEXT PRIMARY KEY,
  name             TEXT NOT NULL,
  spec_kind        TEXT NOT NULL,
  spec             TEXT NOT NULL,
  conversation_key TEXT NOT NULL,
  payload          JSON,
  status           TEXT NOT NULL,
  next_fire_at     TEXT,
  retry_count      INTEGER NOT NULL DEFAULT 0,
  max_retries      INTEGER NOT NULL DEFAULT 4,
  last_error       TEXT,
  created_at       TEXT NOT NULL,
  updated_at       TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS execution_log (
  id               TEXT PRIMARY KEY,
  conversation_key TEXT NOT NULL,
  batch_id         TEXT NOT NULL,
  mode             TEXT NOT NULL,
  status           TEXT NOT NULL,
  started_at       TEXT NOT NULL,
  completed_at     TEXT NOT NULL,
  exit_code        INTEGER,
  last_error       TEXT,
  stderr           TEXT
);`,
		`CREATE INDEX IF NOT EXISTS work_items_status_retry_idx ON work_items(status, next_retry_at);`,
		`CREATE INDEX IF NOT EXISTS work_items_batch_idx ON work_items(batch_id);`,
		`CREATE INDEX IF NOT EXISTS work_batches_status_key_idx ON work_batches(status, conversation_key, opened_at);`,
		`CREATE INDEX IF NOT EXISTS scheduled_tasks_status_fire_idx ON scheduled_tasks(status, next_fire_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
