package breaker

import (
	"context"
	"testing"
	"time"

	perr "recap/internal/platform/errors"
)

var errUpstream = perr.Unavailablef("upstream down")

func newTestRegistry(opts Options) (*Registry, *time.Time) {
	r := New(opts)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	r.now = func() time.Time { return *clock }
	return r, clock
}

func failN(t *testing.T, r *Registry, endpoint string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = r.Do(context.Background(), endpoint, func(context.Context) error { return errUpstream })
	}
}

func TestThresholdOpensCircuit(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(Options{Threshold: 5, Cooldown: time.Minute})
	failN(t, r, "repos", 4)
	if got := r.StateOf("repos"); got != StateClosed {
		t.Fatalf("state after 4 failures = %s, want closed", got)
	}

	failN(t, r, "repos", 1)
	if got := r.StateOf("repos"); got != StateOpen {
		t.Fatalf("state after 5 failures = %s, want open", got)
	}

	err := r.Do(context.Background(), "repos", func(context.Context) error {
		t.Fatalf("fn must not run while open")
		return nil
	})
	if !IsOpen(err) {
		t.Fatalf("expected circuit open rejection, got %v", err)
	}
}

func TestCooldownAllowsProbeAndSuccessCloses(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(Options{Threshold: 2, Cooldown: time.Minute})
	failN(t, r, "commits", 2)

	*clock = clock.Add(61 * time.Second)
	ran := false
	err := r.Do(context.Background(), "commits", func(context.Context) error { ran = true; return nil })
	if err != nil || !ran {
		t.Fatalf("probe after cooldown should run: err=%v ran=%v", err, ran)
	}
	if got := r.StateOf("commits"); got != StateClosed {
		t.Fatalf("state after successful probe = %s, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(Options{Threshold: 2, Cooldown: time.Minute})
	failN(t, r, "commits", 2)

	*clock = clock.Add(61 * time.Second)
	failN(t, r, "commits", 1)
	if got := r.StateOf("commits"); got != StateOpen {
		t.Fatalf("state after failed probe = %s, want open", got)
	}

	// reopened circuit rejects again before the next cooldown elapses
	if err := r.Do(context.Background(), "commits", func(context.Context) error { return nil }); !IsOpen(err) {
		t.Fatalf("expected rejection after reopen, got %v", err)
	}
}

func TestEndpointsAreIsolated(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(Options{Threshold: 2, Cooldown: time.Minute})
	failN(t, r, "repos", 2)

	ran := false
	if err := r.Do(context.Background(), "commits", func(context.Context) error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("unrelated endpoint should stay closed: err=%v ran=%v", err, ran)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(Options{Threshold: 3, Cooldown: time.Minute})
	failN(t, r, "repos", 2)
	_ = r.Do(context.Background(), "repos", func(context.Context) error { return nil })
	failN(t, r, "repos", 2)
	if got := r.StateOf("repos"); got != StateClosed {
		t.Fatalf("success should reset the streak, state = %s", got)
	}
}

func TestClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(Options{Threshold: 2, Cooldown: time.Minute})
	notFound := perr.NotFoundf("no such repo")
	failN(t, r, "repos", 1)
	_ = r.Do(context.Background(), "repos", func(context.Context) error { return notFound })
	if got := r.StateOf("repos"); got != StateClosed {
		t.Fatalf("not found should not count as failure, state = %s", got)
	}
}

// memStore is an in memory Store double
type memStore struct {
	saved map[string]Snapshot
	seed  []Snapshot
}

func (m *memStore) SaveCircuit(_ context.Context, s Snapshot) error {
	if m.saved == nil {
		m.saved = make(map[string]Snapshot)
	}
	m.saved[s.Endpoint] = s
	return nil
}

func (m *memStore) LoadCircuits(context.Context) ([]Snapshot, error) { return m.seed, nil }

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	ms := &memStore{}
	r, _ := newTestRegistry(Options{Threshold: 2, Cooldown: time.Minute, Store: ms})
	failN(t, r, "repos", 2)

	snap, ok := ms.saved["repos"]
	if !ok || snap.State != StateOpen || snap.FailureCount != 2 {
		t.Fatalf("persisted snapshot = %+v, ok=%v", snap, ok)
	}

	// a fresh registry restores the open circuit
	ms2 := &memStore{seed: []Snapshot{snap}}
	r2, _ := newTestRegistry(Options{Threshold: 2, Cooldown: time.Minute, Store: ms2})
	if err := r2.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r2.StateOf("repos"); got != StateOpen {
		t.Fatalf("restored state = %s, want open", got)
	}
}
