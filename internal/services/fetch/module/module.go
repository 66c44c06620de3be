// Package module wires the fetch service and its adapters
package module

import (
	"context"
	"os"
	"path/filepath"

	"recap/internal/adapters/github"
	"recap/internal/modkit"
	"recap/internal/modkit/repokit"
	"recap/internal/platform/breaker"
	"recap/internal/platform/cache"
	"recap/internal/platform/ratelimit"
	"recap/internal/services/fetch/domain"
	"recap/internal/services/fetch/ingest"
	"recap/internal/services/fetch/repo"
	"recap/internal/services/fetch/service"
)

// Ports defines the fetch module ports
type Ports struct {
	Runner domain.RunnerPort
	Probe  domain.ProbePort
}

// Module implements the fetch module
type Module struct {
	deps     modkit.Deps
	ports    Ports
	circuits *breaker.Registry
}

// New wires the adapters and service using config from deps.Cfg
func New(deps modkit.Deps) *Module {
	opts := FromConfig(deps.Cfg)

	// cascade deletes depend on foreign_keys being on for the connection
	// that runs the tx
	db := repokit.WithBeginHooks(deps.DB, func(ctx context.Context, q repokit.Queryer) error {
		_, err := q.Exec(ctx, "PRAGMA foreign_keys = ON")
		return err
	})

	diskCache := cache.New(cache.Options{
		Dir: opts.CacheDir,
		Tiers: map[string]cache.TierConfig{
			service.TierRepos:     {TTL: opts.TTLRepos, MaxBytes: opts.CacheMaxBytes / 10},
			service.TierCommits:   {TTL: opts.TTLCommits, StaleFor: opts.StaleWindow, MaxBytes: opts.CacheMaxBytes / 2},
			service.TierSummaries: {TTL: opts.TTLSummaries, MaxBytes: opts.CacheMaxBytes / 5},
			service.TierChunks:    {TTL: opts.TTLChunks, MaxBytes: opts.CacheMaxBytes / 5},
		},
	})

	limiter := ratelimit.New(ratelimit.Options{
		HourlyQuota: opts.HourlyQuota,
		Buffer:      opts.RateLimitBuffer,
	})

	circuits := breaker.New(breaker.Options{
		Threshold: opts.CBThreshold,
		Cooldown:  opts.CBCooldown,
		Store:     repo.NewCircuitStore(deps.DB),
	})

	cli := github.NewClient(github.Options{
		Bin:        opts.Bin,
		Timeout:    opts.Timeout,
		PerPage:    opts.PerPage,
		MaxPages:   opts.MaxPages,
		GQLBatch:   opts.GQLBatch,
		MaxRetries: opts.MaxRetries,
	}, nil, limiter, circuits)

	source := ingest.New(cli)

	svc := service.New(
		db, repo.NewSQLite(),
		source, source, diskCache,
		service.Config{
			Workers:         opts.Workers,
			Parallel:        opts.Parallel,
			MaxSpanDays:     opts.MaxSpanDays,
			MaxRetries:      opts.MaxRetries,
			RetryMin:        opts.RetryMin,
			RetryMax:        opts.RetryMax,
			StaleWindow:     opts.StaleWindow,
			GraphQL:         opts.GraphQL,
			GraphQLFallback: opts.GraphQLFallback,
		},
	)

	m := &Module{deps: deps, circuits: circuits}
	m.ports = Ports{Runner: svc, Probe: cli}
	return m
}

// Restore reloads persisted circuit state before the first fetch
func (m *Module) Restore(ctx context.Context) error {
	return m.circuits.Restore(ctx)
}

// Name returns the module name
func (m *Module) Name() string { return "fetch" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

func defaultCacheDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "recap")
	}
	return filepath.Join(os.TempDir(), "recap-cache")
}
