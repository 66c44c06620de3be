package store

import (
	"context"
	"fmt"
	"time"

	"recap/internal/platform/store/sqlite"
)

// openSQLite opens the embedded database and wraps it with our sql adapter
func openSQLite(ctx context.Context, cfg Config, s *Store) (TxRunner, error) {
	var tracer sqlite.QueryTracer
	if cfg.DB.LogSQL {
		tracer = sqlite.Tracer(s.Log)
	}

	d, err := sqlite.Open(ctx, sqlite.Config{
		Path:        cfg.DB.Path,
		BusyTimeout: cfg.DB.BusyTimeout,
		MaxConns:    cfg.DB.MaxConns,
		SlowMs:      cfg.DB.SlowQueryMs,
	}, tracer)
	if err != nil {
		return nil, err
	}

	// Boot guardrail: a fresh WAL file can lag behind a crashed writer for a
	// moment, so ping with a short retry before publishing the adapter
	const (
		maxAttempts  = 5
		pingTimeout  = 2 * time.Second
		backoffStart = 100 * time.Millisecond
	)

	var lastErr error
	backoff := backoffStart
	a := newSQLiteAdapter(d)
	for i := 0; i < maxAttempts; i++ {
		toCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = a.Ping(toCtx)
		cancel()

		if lastErr == nil {
			s.DB = a
			return a, nil
		}
		if ctx.Err() != nil {
			_ = d.Close()
			return nil, ctx.Err()
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	_ = d.Close()
	return nil, fmt.Errorf("sqlite ping failed after %d attempts: %w", maxAttempts, lastErr)
}
