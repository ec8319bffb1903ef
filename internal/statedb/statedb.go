// Package statedb is the embedded per-repository store that records streams,
// worktrees, and merge/promotion history next to the clone. It holds git
// mechanics only; governance settings live in the relational store.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	database *sql.DB
	dbPath   string
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state db directory: %w", err)
	}

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	database.SetMaxOpenConns(1)

	store := &Store{
		database: database,
		dbPath:   dbPath,
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, err
	}
	return store, nil
}

func (store *Store) Close() error {
	return store.database.Close()
}

func (store *Store) Path() string {
	return store.dbPath
}

func (store *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL UNIQUE,
			base_branch TEXT NOT NULL,
			base_commit TEXT NOT NULL,
			parent_id TEXT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			merge_commit TEXT NULL,
			abandon_reason TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			merged_at TEXT NULL,
			abandoned_at TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_agent ON streams(agent_id);`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			agent_id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			branch TEXT NOT NULL,
			stream_id TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS merge_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL UNIQUE,
			branch TEXT NOT NULL,
			buffer_branch TEXT NOT NULL,
			from_commit TEXT NOT NULL,
			commit_hash TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			reverted_by TEXT NULL,
			merged_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS promotion_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_branch TEXT NOT NULL,
			target_branch TEXT NOT NULL,
			from_commit TEXT NOT NULL,
			to_commit TEXT NOT NULL,
			archive_key TEXT NULL,
			promoted_at TEXT NOT NULL,
			UNIQUE(from_commit, to_commit)
		);`,
	}

	for _, statement := range statements {
		if _, err := store.database.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
	}
	return nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		value = time.Now()
	}
	return value.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	parsed := parseTime(value.String)
	return &parsed
}

func nullableText(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
