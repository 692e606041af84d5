// Package store provides the embedded SQLite database backing the sync
// engine's durable state.
//
// The database runs in embedded mode with WAL for concurrent reads and
// holds four tables:
//   - records: the local copy of every note, keyed by (entity_type, id)
//   - outbox: pending local mutations awaiting acknowledgment
//   - audit: append-only log of conflict resolutions
//   - sync_state: single-row cursor/bookkeeping (pull cursor, last
//     successful sync, reminder dismissal)
//
// All durable-state transitions go through short-lived transactions; no
// lock is ever held across network I/O.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with sync-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open(".inkwell/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The outbox and audit packages run their queries through this.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		schema_version INTEGER NOT NULL DEFAULT 1,
		fields TEXT NOT NULL DEFAULT '{}',  -- JSON column map
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		PRIMARY KEY (entity_type, id)
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,        -- create, update, delete
		payload TEXT NOT NULL DEFAULT '{}',  -- JSON column map of changed columns
		base_version INTEGER NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		next_attempt_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending',  -- pending, in_flight, conflicted, dead
		dead_reason TEXT
	);

	-- At most one non-terminal entry per record: rapid local edits
	-- coalesce instead of stacking up.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_active
		ON outbox(entity_type, record_id)
		WHERE status IN ('pending', 'in_flight', 'conflicted');

	CREATE INDEX IF NOT EXISTS idx_outbox_drain
		ON outbox(status, enqueued_at);

	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		resolution_strategy TEXT NOT NULL,
		server_data TEXT NOT NULL,
		client_data TEXT NOT NULL,
		resolved_data TEXT NOT NULL,
		resolved_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_record
		ON audit(entity_type, record_id, resolved_at);

	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pull_cursor TEXT NOT NULL DEFAULT '',
		last_success_at TEXT,
		reminder_dismissed_at TEXT
	);

	INSERT OR IGNORE INTO sync_state (id) VALUES (1);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
