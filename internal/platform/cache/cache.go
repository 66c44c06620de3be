// Package cache provides a tiered on disk cache for upstream responses
// Each tier owns a TTL and a byte budget; entries are JSON payloads with a
// .meta sidecar. Cache failures degrade to misses and never fail a fetch
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"recap/internal/platform/logger"
)

// TierConfig holds per tier retention knobs
type TierConfig struct {
	// TTL is how long an entry is fresh; <=0 means never fresh
	TTL time.Duration

	// StaleFor keeps expired entries on disk this long past the TTL so
	// GetStale can serve them while upstream is unavailable
	StaleFor time.Duration

	// MaxBytes caps the tier's payload size; 0 disables size retention
	MaxBytes int64
}

// Options configures the cache
type Options struct {
	Dir   string
	Tiers map[string]TierConfig
}

// Cache is a disk backed tiered cache
// zero value is not usable; construct with New
type Cache struct {
	dir             string
	tiers           map[string]TierConfig
	log             logger.Logger
	now             func() time.Time
	lastCleanupUnix atomic.Int64
}

// entryMeta is a tiny sidecar json with fields we actually use
type entryMeta struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// New builds a cache rooted at opts.Dir with the given tiers
func New(opts Options) *Cache {
	for tier := range opts.Tiers {
		_ = os.MkdirAll(filepath.Join(opts.Dir, tier), 0o755)
	}
	return &Cache{
		dir:   opts.Dir,
		tiers: opts.Tiers,
		log:   *logger.Named("cache"),
		now:   time.Now,
	}
}

// Get returns the payload for key when present and fresh
// Any read problem degrades to a miss; corrupt entries are removed
func (c *Cache) Get(tier, key string) ([]byte, bool) {
	return c.get(tier, key, 0)
}

// GetStale returns the payload for key accepting entries expired by up to
// staleFor beyond the tier TTL. Used as a fallback when upstream is down
func (c *Cache) GetStale(tier, key string, staleFor time.Duration) ([]byte, bool) {
	if staleFor <= 0 {
		return c.get(tier, key, 0)
	}
	return c.get(tier, key, staleFor)
}

func (c *Cache) get(tier, key string, grace time.Duration) ([]byte, bool) {
	tc, ok := c.tiers[tier]
	if !ok {
		c.log.Warn().Str("tier", tier).Msg("cache get for unknown tier")
		return nil, false
	}

	path := c.path(tier, key)
	meta, err := loadMeta(path + ".meta")
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("tier", tier).Str("key", key).Msg("cache meta unreadable, treating as miss")
			c.remove(tier, key)
		}
		return nil, false
	}
	if meta.Key != key {
		// hash collision or stale sidecar; treat as miss
		c.remove(tier, key)
		return nil, false
	}

	// expired entries stay on disk; GetStale may still want them and
	// cleanupTier owns their removal
	age := c.now().Sub(meta.StoredAt)
	if tc.TTL > 0 && age > tc.TTL+grace {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn().Err(err).Str("tier", tier).Str("key", key).Msg("cache payload unreadable, treating as miss")
		c.remove(tier, key)
		return nil, false
	}
	if !json.Valid(data) {
		c.log.Warn().Str("tier", tier).Str("key", key).Msg("cache payload corrupt, discarding")
		c.remove(tier, key)
		return nil, false
	}
	return data, true
}

// Put stores the payload for key. Write problems are logged and swallowed
// so callers never fail on cache trouble
func (c *Cache) Put(tier, key string, data []byte) {
	if _, ok := c.tiers[tier]; !ok {
		c.log.Warn().Str("tier", tier).Msg("cache put for unknown tier")
		return
	}

	path := c.path(tier, key)
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	// payload first, atomically
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Warn().Err(err).Str("tier", tier).Str("key", key).Msg("cache write failed")
		_ = os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.log.Warn().Err(err).Str("tier", tier).Str("key", key).Msg("cache rename failed")
		_ = os.Remove(tmp)
		return
	}

	meta := &entryMeta{Key: key, Size: int64(len(data)), StoredAt: c.now().UTC()}
	if err := saveMeta(path+".meta", meta); err != nil {
		c.log.Warn().Err(err).Str("tier", tier).Str("key", key).Msg("cache meta write failed")
		_ = os.Remove(path)
		return
	}

	c.maybeCleanup()
}

// Delete removes the entry for key when present
func (c *Cache) Delete(tier, key string) { c.remove(tier, key) }

func (c *Cache) remove(tier, key string) {
	path := c.path(tier, key)
	_ = os.Remove(path)
	_ = os.Remove(path + ".meta")
}

// path derives a stable filename from the logical key
func (c *Cache) path(tier, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, tier, hex.EncodeToString(sum[:16])+".json")
}

// maybeCleanup throttles retention cleanup to once per ten minutes
func (c *Cache) maybeCleanup() {
	now := c.now().Unix()
	last := c.lastCleanupUnix.Load()
	if last != 0 && now-last < 600 {
		return
	}
	if !c.lastCleanupUnix.CompareAndSwap(last, now) {
		return
	}
	for tier := range c.tiers {
		_ = c.cleanupTier(tier)
	}
}

// cleanupTier applies TTL and size retention, dropping oldest entries first
func (c *Cache) cleanupTier(tier string) error {
	tc := c.tiers[tier]
	dir := filepath.Join(c.dir, tier)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type item struct {
		Path     string
		Size     int64
		StoredAt time.Time
	}
	var items []item
	var total int64

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		full := filepath.Join(dir, name)
		meta, err := loadMeta(full + ".meta")
		if err != nil {
			_ = os.Remove(full)
			_ = os.Remove(full + ".meta")
			continue
		}
		if tc.TTL > 0 && c.now().Sub(meta.StoredAt) > tc.TTL+tc.StaleFor {
			_ = os.Remove(full)
			_ = os.Remove(full + ".meta")
			continue
		}
		items = append(items, item{Path: full, Size: meta.Size, StoredAt: meta.StoredAt})
		total += meta.Size
	}

	if tc.MaxBytes > 0 && total > tc.MaxBytes {
		sort.Slice(items, func(i, j int) bool { return items[i].StoredAt.Before(items[j].StoredAt) })
		for _, it := range items {
			if total <= tc.MaxBytes {
				break
			}
			_ = os.Remove(it.Path)
			_ = os.Remove(it.Path + ".meta")
			total -= it.Size
		}
	}
	return nil
}

// loadMeta reads a sidecar json file
func loadMeta(path string) (*entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var m entryMeta
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// saveMeta writes the sidecar json atomically
func saveMeta(path string, m *entryMeta) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
