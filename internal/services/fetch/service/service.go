// Package service provides the fetch orchestrator
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"recap/internal/modkit/repokit"
	"recap/internal/platform/cache"
	perr "recap/internal/platform/errors"
	"recap/internal/platform/logger"
	"recap/internal/services/fetch/domain"
)

// Cache tier names, shared with module wiring
const (
	TierRepos     = "repos"
	TierCommits   = "commits"
	TierSummaries = "summaries"
	TierChunks    = "chunks"
)

// Config holds orchestrator knobs
type Config struct {
	// Concurrency
	Workers  int  // parallel repositories; <=0 -> 1
	Parallel bool // false forces the sequential path

	// Chunking
	MaxSpanDays int // chunk width in days; <=0 -> 7

	// Per chunk retry
	MaxRetries int           // attempts per chunk; <=0 -> 3
	RetryMin   time.Duration // first backoff; <=0 -> 4s
	RetryMax   time.Duration // backoff cap; <=0 -> 10s

	// StaleWindow bounds how far past its TTL a cache entry may serve as a
	// fallback when the commits circuit is open
	StaleWindow time.Duration

	// GraphQL batch path
	GraphQL         bool
	GraphQLFallback bool
}

// Service implements domain.RunnerPort
type Service struct {
	DB     repokit.TxRunner
	Binder repokit.Binder[domain.StateRepo]
	Disc   domain.Discovery
	Source domain.CommitSource
	Cache  *cache.Cache
	Cfg    Config

	validate *validator.Validate

	// seams for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the fetch service
func New(
	db repokit.TxRunner,
	binder repokit.Binder[domain.StateRepo],
	disc domain.Discovery,
	source domain.CommitSource,
	c *cache.Cache,
	cfg Config,
) *Service {
	if db == nil {
		panic("fetch.Service requires a non nil TxRunner")
	}
	if binder == nil {
		panic("fetch.Service requires a non nil Repo binder")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxSpanDays <= 0 {
		cfg.MaxSpanDays = 7
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 4 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	return &Service{
		DB: db, Binder: binder,
		Disc: disc, Source: source, Cache: c,
		Cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run creates a new operation for req and drives it to a terminal status
func (s *Service) Run(ctx context.Context, req domain.FetchRequest) (*domain.Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeValidation, "invalid fetch request")
	}

	user := req.User
	if user == "" && req.Org == "" {
		v, err := s.Disc.Viewer(ctx)
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeUnauthorized, "resolve authenticated user")
		}
		user = v
	}

	op := domain.Operation{
		ID:     ulid.Make().String(),
		Kind:   "fetch",
		User:   user,
		Org:    req.Org,
		Author: req.Author,
		Since:  midnight(req.Since),
		Until:  midnight(req.Until),
		Status: domain.OpPending,
	}
	ctx = logger.WithOperation(ctx, op.ID, "")

	if err := s.withState(ctx, func(r domain.StateRepo) error {
		return r.CreateOperation(ctx, op)
	}); err != nil {
		return nil, err
	}

	repos, err := s.discover(ctx, op)
	if err != nil {
		s.fail(ctx, op.ID, err)
		return nil, err
	}
	if len(repos) == 0 {
		err := perr.NotFoundf("no repositories accessible for %s", userOrOrg(op))
		s.fail(ctx, op.ID, err)
		return nil, err
	}

	chunks := len(domain.SplitRange(op.Since, op.Until, s.Cfg.MaxSpanDays))
	if err := s.withState(ctx, func(r domain.StateRepo) error {
		if err := r.AddRepositories(ctx, op.ID, repos, chunks); err != nil {
			return err
		}
		return r.UpdateOperationStatus(ctx, op.ID, domain.OpInProgress, "")
	}); err != nil {
		return nil, err
	}

	res := s.processRepos(ctx, op, repos)
	return s.finalize(ctx, op.ID, res)
}

// Resume picks up an interrupted operation and processes only incomplete work
func (s *Service) Resume(ctx context.Context, operationID string) (*domain.Result, error) {
	ctx = logger.WithOperation(ctx, operationID, "")

	var op domain.Operation
	if err := s.withState(ctx, func(r domain.StateRepo) error {
		got, err := r.GetOperation(ctx, operationID)
		op = got
		return err
	}); err != nil {
		return nil, err
	}
	if op.Status == domain.OpCompleted {
		logger.C(ctx).Info().Msg("operation already completed, nothing to resume")
		return s.collectFinished(ctx, op)
	}

	var pending []string
	if err := s.withState(ctx, func(r domain.StateRepo) error {
		got, err := r.PendingRepositories(ctx, op.ID)
		pending = got
		return err
	}); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return s.finalize(ctx, op.ID, &domain.Result{
			OperationID: op.ID,
			Commits:     map[string][]domain.Commit{},
			Failures:    map[string]string{},
		})
	}

	if err := s.withState(ctx, func(r domain.StateRepo) error {
		return r.UpdateOperationStatus(ctx, op.ID, domain.OpInProgress, "")
	}); err != nil {
		return nil, err
	}

	res := s.processRepos(ctx, op, pending)
	s.fillFromCache(ctx, op, res)
	return s.finalize(ctx, op.ID, res)
}

// List returns the most recent operations
func (s *Service) List(ctx context.Context, limit int) ([]domain.Operation, error) {
	return s.Binder.Bind(s.DB).ListOperations(ctx, limit)
}

// Cleanup removes terminal operations older than olderThan
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	var n int
	err := s.withState(ctx, func(r domain.StateRepo) error {
		got, err := r.DeleteOperationsBefore(ctx, cutoff)
		n = got
		return err
	})
	return n, err
}

// discover lists and filters the operation's repositories, cache first
func (s *Service) discover(ctx context.Context, op domain.Operation) ([]string, error) {
	key := repoKey(op.User, op.Org)

	var metas []domain.RepoMeta
	if data, ok := s.Cache.Get(TierRepos, key); ok {
		if err := unmarshal(data, &metas); err == nil {
			logger.C(ctx).Debug().Int("repos", len(metas)).Msg("repo discovery cache hit")
			return s.activeRepos(op, metas), nil
		}
		s.Cache.Delete(TierRepos, key)
	}

	var err error
	if op.Org != "" {
		metas, err = s.Disc.OrgRepos(ctx, op.Org)
	} else {
		metas, err = s.Disc.UserRepos(ctx, op.User)
	}
	if err != nil {
		return nil, perr.Wrap(err, perr.CodeOf(err), "repository discovery failed")
	}

	if data, merr := marshal(metas); merr == nil {
		s.Cache.Put(TierRepos, key, data)
	}
	return s.activeRepos(op, metas), nil
}

// activeRepos drops repos with no pushes since the window start
// repos without a push timestamp are kept
func (s *Service) activeRepos(op domain.Operation, metas []domain.RepoMeta) []string {
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		if !m.PushedAt.IsZero() && m.PushedAt.Before(op.Since) {
			continue
		}
		out = append(out, m.FullName)
	}
	return out
}

// finalize derives the operation's terminal status from its counters
func (s *Service) finalize(ctx context.Context, id string, res *domain.Result) (*domain.Result, error) {
	var status domain.OperationStatus
	var errMsg string

	err := s.withState(ctx, func(r domain.StateRepo) error {
		total, completed, failed, err := r.RefreshCounters(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case total > 0 && completed == total:
			status = domain.OpCompleted
		case completed == 0:
			status = domain.OpFailed
			errMsg = "all repositories failed"
		default:
			status = domain.OpPartial
			errMsg = fmt.Sprintf("%d of %d repositories failed", failed, total)
		}
		return r.UpdateOperationStatus(ctx, id, status, errMsg)
	})
	if err != nil {
		return nil, err
	}

	res.OperationID = id
	res.Status = status
	logger.C(ctx).Info().
		Str("status", string(status)).
		Int("repos_ok", len(res.Commits)).
		Int("repos_failed", len(res.Failures)).
		Int("commits", res.CommitTotal()).
		Msg("operation finished")

	if status == domain.OpFailed {
		return res, perr.Unavailablef("operation %s failed: %s", id, summarizeFailures(res.Failures))
	}
	return res, nil
}

// fail marks the operation failed after a fatal precondition error
func (s *Service) fail(ctx context.Context, id string, cause error) {
	if err := s.withState(ctx, func(r domain.StateRepo) error {
		return r.UpdateOperationStatus(ctx, id, domain.OpFailed, cause.Error())
	}); err != nil {
		logger.C(ctx).Error().Err(err).Msg("could not record operation failure")
	}
}

// collectFinished rebuilds a Result for an already terminal operation from
// cache and progress rows, without touching upstream
func (s *Service) collectFinished(ctx context.Context, op domain.Operation) (*domain.Result, error) {
	res := &domain.Result{
		OperationID: op.ID,
		Status:      op.Status,
		Commits:     map[string][]domain.Commit{},
		Failures:    map[string]string{},
	}
	s.fillFromCache(ctx, op, res)
	return res, nil
}

// fillFromCache adds cached commits for repos already completed in earlier
// runs so a resumed operation returns the full aggregate
func (s *Service) fillFromCache(ctx context.Context, op domain.Operation, res *domain.Result) {
	var progress []domain.RepositoryProgress
	if err := s.withState(ctx, func(r domain.StateRepo) error {
		got, err := r.Repositories(ctx, op.ID)
		progress = got
		return err
	}); err != nil {
		logger.C(ctx).Warn().Err(err).Msg("could not load progress rows for aggregate")
		return
	}

	for _, p := range progress {
		if p.Status != domain.RepoCompleted {
			if p.Status == domain.RepoFailed {
				if _, seen := res.Failures[p.Repo]; !seen {
					res.Failures[p.Repo] = p.ErrorMsg
				}
			}
			continue
		}
		if _, seen := res.Commits[p.Repo]; seen {
			continue
		}
		key := commitsKey(p.Repo, op.Since, op.Until, op.Author)
		data, ok := s.Cache.Get(TierCommits, key)
		if !ok {
			res.Commits[p.Repo] = nil
			continue
		}
		var commits []domain.Commit
		if err := unmarshal(data, &commits); err == nil {
			res.Commits[p.Repo] = commits
		}
	}
}

// withState runs fn against the bound state repo inside one transaction
func (s *Service) withState(ctx context.Context, fn func(r domain.StateRepo) error) error {
	return s.DB.Tx(ctx, func(q repokit.Queryer) error {
		return fn(s.Binder.Bind(q))
	})
}

func userOrOrg(op domain.Operation) string {
	if op.Org != "" {
		return "org " + op.Org
	}
	return "user " + op.User
}

func summarizeFailures(failures map[string]string) string {
	if len(failures) == 0 {
		return "no repositories processed"
	}
	parts := make([]string, 0, 3)
	for repo, msg := range failures {
		parts = append(parts, repo+": "+msg)
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, "; ")
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
