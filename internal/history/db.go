// Package history keeps a SQLite record of flashing runs, their board
// sessions and every state transition.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the SQLite database at the given path
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is empty")
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := conn.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	db := &DB{conn: conn, path: path, now: time.Now}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// migrate runs the database schema migrations
func (d *DB) migrate() error {
	// Create schema version table
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	// Get current version
	var version int
	err = d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return err
	}

	// Run migrations
	migrations := []string{
		migrationV1,
		migrationV2,
	}

	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// migrationV1 creates the initial schema
const migrationV1 = `
-- One row per flashing run
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    content_root TEXT NOT NULL,
    files INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0,
    concurrency INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER,
    done INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    ignored INTEGER DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

-- Latest state of every board session
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    board_key TEXT NOT NULL,
    serial TEXT,
    mount TEXT,
    state TEXT NOT NULL,
    attempts INTEGER DEFAULT 0,
    error_kind TEXT,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id);
CREATE INDEX IF NOT EXISTS idx_sessions_serial ON sessions(serial);

-- State transition history for auditing/debugging
CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    run_id TEXT NOT NULL,
    state TEXT NOT NULL,
    attempt INTEGER DEFAULT 0,
    mount TEXT,
    error_kind TEXT,
    error TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_time ON session_events(timestamp);
`

// migrationV2 records the host a run happened on, for stations sharing one database
const migrationV2 = `
ALTER TABLE runs ADD COLUMN hostname TEXT;
`

// RunRecord represents a run in the database
type RunRecord struct {
	ID          string     `json:"id"`
	ContentRoot string     `json:"content_root"`
	Files       int        `json:"files"`
	Bytes       int64      `json:"bytes"`
	Concurrency int        `json:"concurrency"`
	Hostname    string     `json:"hostname,omitempty"`
	Succeeded   *bool      `json:"succeeded,omitempty"`
	Done        int        `json:"done"`
	Failed      int        `json:"failed"`
	Ignored     int        `json:"ignored"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SessionRecord represents the last known state of a board session
type SessionRecord struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	BoardKey   string     `json:"board_key"`
	Serial     string     `json:"serial,omitempty"`
	Mount      string     `json:"mount"`
	State      string     `json:"state"`
	Attempts   int        `json:"attempts"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// EventRecord represents one state transition
type EventRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	Mount     string    `json:"mount"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
