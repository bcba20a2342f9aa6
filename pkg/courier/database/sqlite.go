// Package database opens the shared courier SQLite database and applies the
// schema. All persistent stores (conversations, sessions, timeout records,
// pending closes, committed jobs, error reports) live in this one file.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite connection settings.
type Config struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// Open opens or creates the courier database with WAL journaling and a busy
// timeout, creating the parent directory as needed.
func Open(config Config) (*sql.DB, error) {
	if config.Path == "" {
		config.Path = "./data/courier.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the schema. Idempotent via IF NOT EXISTS.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
-- Conversations, one active (non-closed) per user
CREATE TABLE IF NOT EXISTS conversations (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    state        TEXT NOT NULL,
    context      TEXT NOT NULL DEFAULT '{}',
    close_at     TEXT,
    close_job_id TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, state);

-- Per-user interaction counters (onboarding gate input)
CREATE TABLE IF NOT EXISTS user_stats (
    user_id           TEXT PRIMARY KEY,
    interaction_count INTEGER NOT NULL DEFAULT 0,
    updated_at        TEXT NOT NULL
);

-- Abuse timeout records; timestamps are unix seconds so MAX() compares
CREATE TABLE IF NOT EXISTS timeout_records (
    key           TEXT PRIMARY KEY,
    offense_count INTEGER NOT NULL DEFAULT 0,
    timeout_until INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL DEFAULT 0
);

-- Session registry
CREATE TABLE IF NOT EXISTS sessions (
    key              TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL,
    channel          TEXT NOT NULL,
    account_id       TEXT NOT NULL DEFAULT '',
    peer_kind        TEXT NOT NULL,
    peer_id          TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    conversation_id  TEXT NOT NULL DEFAULT '',
    dm_scope         TEXT NOT NULL DEFAULT 'main',
    created_at       TEXT NOT NULL,
    last_activity_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);

-- Pending delayed-close jobs
CREATE TABLE IF NOT EXISTS pending_closes (
    job_id          TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    fire_at         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_closes_conv ON pending_closes(conversation_id);

-- Committed idempotency keys (dedupe)
CREATE TABLE IF NOT EXISTS committed_jobs (
    idempotency_key TEXT PRIMARY KEY,
    committed_at    TEXT NOT NULL
);

-- Error reports, append-only
CREATE TABLE IF NOT EXISTS error_reports (
    id              TEXT PRIMARY KEY,
    error_type      TEXT NOT NULL,
    error_message   TEXT NOT NULL,
    error_stack     TEXT NOT NULL DEFAULT '',
    history         TEXT NOT NULL DEFAULT '[]',
    metadata        TEXT NOT NULL DEFAULT '{}',
    session_id_hash TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_reports_created ON error_reports(created_at);
`
