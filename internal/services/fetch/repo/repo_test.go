package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"recap/internal/platform/breaker"
	perr "recap/internal/platform/errors"
	"recap/internal/platform/store"
	"recap/internal/services/fetch/domain"
)

func openTestDB(t *testing.T) store.TxRunner {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		AppName: "recap-test",
		DB: store.DBConfig{
			Enabled: true,
			Path:    filepath.Join(t.TempDir(), "recap.db"),
		},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st.DB
}

func seedOperation(t *testing.T, db store.TxRunner, id string) domain.Operation {
	t.Helper()
	op := domain.Operation{
		ID:    id,
		Kind:  "fetch",
		User:  "alice",
		Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
	}
	if err := NewSQLite().Bind(db).CreateOperation(context.Background(), op); err != nil {
		t.Fatalf("CreateOperation failed: %v", err)
	}
	return op
}

func TestOperationRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	r := NewSQLite().Bind(db)
	ctx := context.Background()

	seedOperation(t, db, "op-1")

	got, err := r.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpPending || got.User != "alice" {
		t.Fatalf("operation = %+v", got)
	}
	if !got.Since.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("since round trip broken: %v", got.Since)
	}

	if _, err := r.GetOperation(ctx, "missing"); !perr.IsCode(err, perr.ErrorCodeNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestStatusAndProgressTransitions(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	r := NewSQLite().Bind(db)
	ctx := context.Background()
	seedOperation(t, db, "op-1")

	if err := r.AddRepositories(ctx, "op-1", []string{"acme/widgets", "acme/gears"}, 3); err != nil {
		t.Fatal(err)
	}
	// idempotent reseed
	if err := r.AddRepositories(ctx, "op-1", []string{"acme/widgets"}, 3); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateOperationStatus(ctx, "op-1", domain.OpInProgress, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateRepoProgress(ctx, "op-1", "acme/widgets", domain.RepoCompleted, 12, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateRepoProgress(ctx, "op-1", "acme/gears", domain.RepoFailed, 0, "boom"); err != nil {
		t.Fatal(err)
	}

	total, completed, failed, err := r.RefreshCounters(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || completed != 1 || failed != 1 {
		t.Fatalf("counters = %d/%d/%d", total, completed, failed)
	}

	if err := r.UpdateRepoProgress(ctx, "op-1", "nope/nope", domain.RepoCompleted, 0, ""); !perr.IsCode(err, perr.ErrorCodeNotFound) {
		t.Fatalf("want not found for unknown repo, got %v", err)
	}
}

func TestPendingRepositories(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	r := NewSQLite().Bind(db)
	ctx := context.Background()
	seedOperation(t, db, "op-1")

	repos := []string{"a/one", "a/two", "a/three", "a/four"}
	if err := r.AddRepositories(ctx, "op-1", repos, 1); err != nil {
		t.Fatal(err)
	}
	_ = r.UpdateRepoProgress(ctx, "op-1", "a/one", domain.RepoCompleted, 5, "")
	_ = r.UpdateRepoProgress(ctx, "op-1", "a/two", domain.RepoFailed, 0, "x")
	_ = r.UpdateRepoProgress(ctx, "op-1", "a/three", domain.RepoInProgress, 0, "")

	pending, err := r.PendingRepositories(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	// failed and in_progress repos are retried; completed is not
	want := []string{"a/two", "a/three", "a/four"}
	if len(pending) != len(want) {
		t.Fatalf("pending = %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("pending = %v, want %v", pending, want)
		}
	}
}

func TestListAndCleanup(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	r := NewSQLite().Bind(db)
	ctx := context.Background()

	seedOperation(t, db, "op-old")
	seedOperation(t, db, "op-new")
	if err := r.UpdateOperationStatus(ctx, "op-old", domain.OpCompleted, ""); err != nil {
		t.Fatal(err)
	}
	// age the old operation
	if _, err := db.Exec(ctx, `UPDATE operations SET created_at = '2020-01-01T00:00:00.000Z' WHERE id = 'op-old'`); err != nil {
		t.Fatal(err)
	}

	ops, err := r.ListOperations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[0].ID != "op-new" {
		t.Fatalf("list = %+v", ops)
	}

	n, err := r.DeleteOperationsBefore(ctx, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	// pending op-new survives even if old
	if _, err := r.GetOperation(ctx, "op-new"); err != nil {
		t.Fatalf("op-new should survive cleanup: %v", err)
	}
}

func TestCascadeDeletesProgress(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	r := NewSQLite().Bind(db)
	ctx := context.Background()
	seedOperation(t, db, "op-1")

	if err := r.AddRepositories(ctx, "op-1", []string{"a/b"}, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateOperationStatus(ctx, "op-1", domain.OpCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(ctx, `UPDATE operations SET created_at = '2020-01-01T00:00:00.000Z' WHERE id = 'op-1'`); err != nil {
		t.Fatal(err)
	}
	if _, err := r.DeleteOperationsBefore(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM repository_progress`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("progress rows should cascade, found %d", n)
	}
}

func TestCircuitStoreRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	cs := NewCircuitStore(db)
	ctx := context.Background()

	snap := breaker.Snapshot{
		Endpoint:      "commits",
		State:         breaker.StateOpen,
		FailureCount:  5,
		LastFailureAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		OpenedAt:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := cs.SaveCircuit(ctx, snap); err != nil {
		t.Fatal(err)
	}
	// upsert overwrites
	snap.State = breaker.StateClosed
	snap.FailureCount = 0
	if err := cs.SaveCircuit(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := cs.LoadCircuits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].State != breaker.StateClosed || got[0].FailureCount != 0 {
		t.Fatalf("circuits = %+v", got)
	}
	if got[0].OpenedAt.IsZero() {
		t.Fatalf("opened_at should round trip")
	}
}
