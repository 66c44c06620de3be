package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, tiers map[string]TierConfig) (*Cache, *time.Time) {
	t.Helper()
	c := New(Options{Dir: t.TempDir(), Tiers: tiers})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	c.now = func() time.Time { return *clock }
	return c, clock
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, map[string]TierConfig{"commits": {TTL: time.Hour}})

	key := "commits:acme/widgets:2024-01-01:2024-01-07:alice"
	c.Put("commits", key, []byte(`[{"sha":"abc"}]`))

	got, ok := c.Get("commits", key)
	if !ok {
		t.Fatalf("expected hit after put")
	}
	if string(got) != `[{"sha":"abc"}]` {
		t.Fatalf("payload mismatch: %s", got)
	}

	if _, ok := c.Get("commits", "commits:other/repo:2024-01-01:2024-01-07:all"); ok {
		t.Fatalf("unexpected hit for a different key")
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, map[string]TierConfig{"repos": {TTL: time.Hour}})

	c.Put("repos", "repos:alice:all", []byte(`["a/b"]`))

	*clock = clock.Add(59 * time.Minute)
	if _, ok := c.Get("repos", "repos:alice:all"); !ok {
		t.Fatalf("entry should be fresh within TTL")
	}

	*clock = clock.Add(2 * time.Minute)
	if _, ok := c.Get("repos", "repos:alice:all"); ok {
		t.Fatalf("entry should expire past TTL")
	}
}

func TestGetStaleWindow(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, map[string]TierConfig{"commits": {TTL: time.Hour}})

	c.Put("commits", "k", []byte(`[]`))
	*clock = clock.Add(90 * time.Minute)

	if _, ok := c.Get("commits", "k"); ok {
		t.Fatalf("fresh read should miss past TTL")
	}
	if _, ok := c.GetStale("commits", "k", time.Hour); !ok {
		t.Fatalf("stale read within the grace window should hit")
	}

	*clock = clock.Add(time.Hour)
	if _, ok := c.GetStale("commits", "k", time.Hour); ok {
		t.Fatalf("stale read beyond the grace window should miss")
	}
}

func TestExpiredEntrySurvivesFreshRead(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, map[string]TierConfig{"commits": {TTL: time.Hour, StaleFor: time.Hour}})

	c.Put("commits", "k", []byte(`["x"]`))
	*clock = clock.Add(90 * time.Minute)

	if _, ok := c.Get("commits", "k"); ok {
		t.Fatalf("fresh read should miss past TTL")
	}
	// the miss must not destroy the entry, a stale read still needs it
	if _, ok := c.GetStale("commits", "k", time.Hour); !ok {
		t.Fatalf("stale read after a fresh miss should still hit")
	}

	if err := c.cleanupTier("commits"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetStale("commits", "k", time.Hour); !ok {
		t.Fatalf("cleanup should retain entries inside the stale window")
	}

	*clock = clock.Add(time.Hour)
	if err := c.cleanupTier("commits"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetStale("commits", "k", 2*time.Hour); ok {
		t.Fatalf("cleanup should drop entries past TTL plus stale retention")
	}
}

func TestCorruptPayloadDegradesToMiss(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, map[string]TierConfig{"commits": {TTL: time.Hour}})

	c.Put("commits", "k", []byte(`{"ok":true}`))
	if err := os.WriteFile(c.path("commits", "k"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("commits", "k"); ok {
		t.Fatalf("corrupt payload should read as a miss")
	}
	if _, err := os.Stat(c.path("commits", "k")); !os.IsNotExist(err) {
		t.Fatalf("corrupt entry should be removed")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, map[string]TierConfig{"chunks": {TTL: time.Hour}})
	c.Put("chunks", "k", []byte(`1`))
	c.Delete("chunks", "k")
	if _, ok := c.Get("chunks", "k"); ok {
		t.Fatalf("deleted entry should miss")
	}
}

func TestUnknownTier(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, map[string]TierConfig{"commits": {TTL: time.Hour}})
	c.Put("nope", "k", []byte(`1`))
	if _, ok := c.Get("nope", "k"); ok {
		t.Fatalf("unknown tier should never hit")
	}
}

func TestRetentionDropsOldestFirst(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, map[string]TierConfig{"commits": {TTL: 24 * time.Hour, MaxBytes: 20}})

	c.Put("commits", "old", []byte(`"0123456789"`))
	*clock = clock.Add(time.Minute)
	c.Put("commits", "new", []byte(`"0123456789"`))

	if err := c.cleanupTier("commits"); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("commits", "old"); ok {
		t.Fatalf("oldest entry should be evicted when over budget")
	}
	if _, ok := c.Get("commits", "new"); !ok {
		t.Fatalf("newest entry should survive retention")
	}
}

func TestRetentionRemovesExpired(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, map[string]TierConfig{"repos": {TTL: time.Hour}})
	c.Put("repos", "k", []byte(`[]`))
	*clock = clock.Add(2 * time.Hour)

	if err := c.cleanupTier("repos"); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(c.dir, "repos")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expired entries should be removed, found %d files", len(entries))
	}
}
