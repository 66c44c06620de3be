package sqlite

import (
	"context"
	"database/sql"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL DEFAULT 'fetch',
    user TEXT NOT NULL,
    org TEXT,
    author TEXT,
    since TEXT NOT NULL,
    until TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    total_repos INTEGER NOT NULL DEFAULT 0,
    completed_repos INTEGER NOT NULL DEFAULT 0,
    failed_repos INTEGER NOT NULL DEFAULT 0,
    error_msg TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);

CREATE TABLE IF NOT EXISTS repository_progress (
    operation_id TEXT NOT NULL REFERENCES operations(id) ON DELETE CASCADE,
    repo TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    chunks_total INTEGER NOT NULL DEFAULT 0,
    chunks_done INTEGER NOT NULL DEFAULT 0,
    commit_count INTEGER NOT NULL DEFAULT 0,
    error_msg TEXT,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    PRIMARY KEY (operation_id, repo)
);
CREATE INDEX IF NOT EXISTS idx_repo_progress_status ON repository_progress(operation_id, status);

CREATE TABLE IF NOT EXISTS circuits (
    endpoint TEXT PRIMARY KEY,
    state TEXT NOT NULL DEFAULT 'closed',
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_failure_at TEXT,
    opened_at TEXT,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// RunMigrations applies the database schema migrations.
// Statements are idempotent so this is safe on every open
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, migrationSQL)
	return err
}
