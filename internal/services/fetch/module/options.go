package module

import (
	"time"

	"recap/internal/platform/config"
)

// Options holds configuration for the fetch module
type Options struct {
	// Upstream client
	Bin        string
	Timeout    time.Duration
	PerPage    int
	MaxPages   int
	GQLBatch   int
	MaxRetries int
	RetryMin   time.Duration
	RetryMax   time.Duration

	// Rate budget
	HourlyQuota     int
	RateLimitBuffer int

	// Circuit breaking
	CBThreshold int
	CBCooldown  time.Duration

	// Orchestration
	Workers     int
	Parallel    bool
	MaxSpanDays int
	StaleWindow time.Duration

	// GraphQL batch path
	GraphQL         bool
	GraphQLFallback bool

	// Cache layout
	CacheDir      string
	CacheMaxBytes int64
	TTLRepos      time.Duration
	TTLCommits    time.Duration
	TTLSummaries  time.Duration
	TTLChunks     time.Duration
}

// FromConfig reads the fetch options from config
// Knobs live under RECAP_GITHUB_, RECAP_FETCH_ and RECAP_CACHE_
func FromConfig(cfg config.Conf) Options {
	gh := cfg.Prefix("RECAP_GITHUB_")
	f := cfg.Prefix("RECAP_FETCH_")
	c := cfg.Prefix("RECAP_CACHE_")
	return Options{
		Bin:        gh.MayString("BIN", "gh"),
		Timeout:    gh.MayDuration("TIMEOUT", 60*time.Second),
		PerPage:    gh.MayInt("PER_PAGE", 100),
		MaxPages:   gh.MayInt("MAX_PAGES", 10),
		GQLBatch:   gh.MayInt("GQL_BATCH", 10),
		MaxRetries: f.MayInt("RETRIES", 3),
		RetryMin:   f.MayDuration("RETRY_MIN", 4*time.Second),
		RetryMax:   f.MayDuration("RETRY_MAX", 10*time.Second),

		HourlyQuota:     gh.MayInt("HOURLY_QUOTA", 5000),
		RateLimitBuffer: gh.MayInt("RATE_BUFFER", 100),

		CBThreshold: f.MayInt("CB_THRESHOLD", 5),
		CBCooldown:  f.MayDuration("CB_COOLDOWN", time.Minute),

		Workers:     clamp(f.MayInt("WORKERS", 4), 1, 10),
		Parallel:    f.MayBool("PARALLEL", true),
		MaxSpanDays: f.MayInt("CHUNK_DAYS", 7),
		StaleWindow: f.MayDuration("STALE_WINDOW", 168*time.Hour),

		GraphQL:         f.MayBool("GRAPHQL", true),
		GraphQLFallback: f.MayBool("GRAPHQL_FALLBACK", true),

		CacheDir:      c.MayString("DIR", defaultCacheDir()),
		CacheMaxBytes: int64(c.MayInt("MAX_MB", 100)) << 20,
		TTLRepos:      c.MayDuration("TTL_REPOS", 168*time.Hour),
		TTLCommits:    c.MayDuration("TTL_COMMITS", 8760*time.Hour),
		TTLSummaries:  c.MayDuration("TTL_SUMMARIES", 720*time.Hour),
		TTLChunks:     c.MayDuration("TTL_CHUNKS", 720*time.Hour),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
