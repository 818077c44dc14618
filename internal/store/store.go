// Package store persists the mirrored remote data in SQLite. Every bulk
// upsert reports which (kind, id) pairs it actually changed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store encapsulates access to the mirror database.
type Store struct {
	db *sql.DB
}

// New wraps an open database. Call Init before use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies the schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY,
			login TEXT NOT NULL,
			type TEXT,
			name TEXT,
			email TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_login ON accounts(login);`,
		`CREATE TABLE IF NOT EXISTS organization_members (
			organization_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			admin INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (organization_id, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_organization_members_user ON organization_members(user_id);`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			user_id INTEGER PRIMARY KEY,
			token TEXT NOT NULL,
			rate_limit INTEGER,
			rate_remaining INTEGER,
			rate_reset INTEGER,
			FOREIGN KEY(user_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			full_name TEXT NOT NULL,
			private INTEGER NOT NULL,
			has_issues INTEGER NOT NULL,
			updated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS account_repositories (
			account_id INTEGER NOT NULL,
			repository_id INTEGER NOT NULL,
			admin INTEGER NOT NULL,
			push INTEGER NOT NULL,
			PRIMARY KEY (account_id, repository_id)
		);`,
		`CREATE TABLE IF NOT EXISTS labels (
			id INTEGER PRIMARY KEY,
			repository_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			color TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id INTEGER PRIMARY KEY,
			repository_id INTEGER NOT NULL,
			number INTEGER NOT NULL,
			state TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			created_at TEXT,
			updated_at TEXT,
			closed_at TEXT,
			due_on TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS issues (
			id INTEGER PRIMARY KEY,
			repository_id INTEGER NOT NULL,
			number INTEGER NOT NULL,
			state TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			user_id INTEGER,
			assignees TEXT NOT NULL,
			labels TEXT NOT NULL,
			milestone_id INTEGER,
			locked INTEGER NOT NULL,
			pull_request INTEGER NOT NULL,
			created_at TEXT,
			updated_at TEXT,
			closed_at TEXT,
			closed_by_id INTEGER,
			reactions TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_repo_number ON issues(repository_id, number);`,
		`CREATE TABLE IF NOT EXISTS comments (
			id INTEGER PRIMARY KEY,
			repository_id INTEGER NOT NULL,
			issue_number INTEGER,
			user_id INTEGER,
			body TEXT,
			created_at TEXT,
			updated_at TEXT,
			reactions TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS issue_events (
			id INTEGER PRIMARY KEY,
			repository_id INTEGER NOT NULL,
			issue_id INTEGER,
			event TEXT NOT NULL,
			actor_id INTEGER,
			commit_id TEXT,
			created_at TEXT,
			source TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS reactions (
			id INTEGER PRIMARY KEY,
			repository_id INTEGER NOT NULL,
			issue_id INTEGER,
			comment_id INTEGER,
			user_id INTEGER,
			content TEXT NOT NULL,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reactions_issue ON reactions(issue_id);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY,
			organization_id INTEGER NOT NULL,
			number INTEGER NOT NULL,
			name TEXT NOT NULL,
			body TEXT,
			state TEXT,
			creator_id INTEGER,
			created_at TEXT,
			updated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS hooks (
			id TEXT PRIMARY KEY,
			organization_id INTEGER NOT NULL UNIQUE,
			github_id INTEGER,
			secret TEXT NOT NULL,
			events TEXT NOT NULL,
			last_seen INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			owner_kind TEXT NOT NULL,
			owner_id INTEGER NOT NULL,
			slot TEXT NOT NULL,
			metadata TEXT NOT NULL,
			PRIMARY KEY (owner_kind, owner_id, slot)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply store schema: %w", err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// execChanged runs a write and reports whether it touched a row. Upserts rely
// on a DO UPDATE ... WHERE clause so identical rows count as unchanged.
func execChanged(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func jsonText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
