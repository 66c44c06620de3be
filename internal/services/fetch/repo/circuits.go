package repo

import (
	"context"
	"time"

	"recap/internal/modkit/repokit"
	"recap/internal/platform/breaker"
	perr "recap/internal/platform/errors"
)

// CircuitStore persists breaker state in the circuits table so circuits
// survive process restarts
type CircuitStore struct {
	db repokit.TxRunner
}

// NewCircuitStore builds a breaker.Store over the state database
func NewCircuitStore(db repokit.TxRunner) *CircuitStore { return &CircuitStore{db: db} }

var _ breaker.Store = (*CircuitStore)(nil)

// SaveCircuit upserts one circuit snapshot
func (c *CircuitStore) SaveCircuit(ctx context.Context, s breaker.Snapshot) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO circuits (endpoint, state, failure_count, last_failure_at, opened_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			last_failure_at = excluded.last_failure_at,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`, s.Endpoint, string(s.State), s.FailureCount,
		optStamp(s.LastFailureAt), optStamp(s.OpenedAt), stamp(time.Now()))
	return perr.WrapIf(err, perr.ErrorCodeDB, "save circuit")
}

// LoadCircuits reads every persisted circuit
func (c *CircuitStore) LoadCircuits(ctx context.Context) ([]breaker.Snapshot, error) {
	rows, err := c.db.Query(ctx, `
		SELECT endpoint, state, failure_count, COALESCE(last_failure_at,''), COALESCE(opened_at,'')
		FROM circuits
	`)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeDB, "load circuits")
	}
	defer rows.Close()

	var out []breaker.Snapshot
	for rows.Next() {
		var s breaker.Snapshot
		var state, lastFail, openedAt string
		if err := rows.Scan(&s.Endpoint, &state, &s.FailureCount, &lastFail, &openedAt); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeDB, "scan circuit")
		}
		s.State = breaker.State(state)
		s.LastFailureAt = unstamp(lastFail)
		s.OpenedAt = unstamp(openedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func optStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return stamp(t)
}
