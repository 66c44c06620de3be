// Package sqlite provides an embedded SQLite client using database/sql with
// optional query tracing. The driver is modernc.org/sqlite so binaries stay
// pure Go with no cgo toolchain requirement
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

// Config configures the embedded database
type Config struct {
	// Path is the database file location; parent directories are created
	Path string

	// BusyTimeout bounds how long a writer waits on a locked database
	BusyTimeout time.Duration

	// MaxConns caps the database/sql pool; 0 means a small default
	MaxConns int

	// SlowMs marks queries at or above this as slow in trace events
	SlowMs int
}

// DB is an embedded sqlite client with optional tracer
type DB struct {
	SQL    *sql.DB
	Tracer QueryTracer
	SlowMs int
	path   string
}

// Open creates the database file if needed, applies connection pragmas, and
// runs schema migrations. Pragmas ride the DSN so every pooled connection
// gets them
func Open(ctx context.Context, cfg Config, tracer QueryTracer) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir %s: %w", filepath.Dir(cfg.Path), err)
	}

	busyMS := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMS = cfg.BusyTimeout.Milliseconds()
	}

	dsn := fmt.Sprintf("file:%s?%s", cfg.Path, url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", busyMS),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", cfg.Path, err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate %s: %w", cfg.Path, err)
	}

	return &DB{SQL: db, Tracer: tracer, SlowMs: cfg.SlowMs, path: cfg.Path}, nil
}

// Path returns the database file location
func (d *DB) Path() string { return d.path }

// Close closes the pool
func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}
