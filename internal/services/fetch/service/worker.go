package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"recap/internal/core/identity"
	perr "recap/internal/platform/errors"
	"recap/internal/platform/logger"
	"recap/internal/services/fetch/domain"
)

// processRepos drives the per repository work across a bounded pool
// One failed repository never cancels its siblings; failures land in the
// result and the progress rows
func (s *Service) processRepos(ctx context.Context, op domain.Operation, repos []string) *domain.Result {
	res := &domain.Result{
		OperationID: op.ID,
		Commits:     map[string][]domain.Commit{},
		Failures:    map[string]string{},
	}
	var mu sync.Mutex

	remaining := repos
	if s.Cfg.GraphQL && len(repos) > 1 {
		remaining = s.tryBatch(ctx, op, repos, res, &mu)
		if len(remaining) == 0 {
			return res
		}
	}

	workers := s.Cfg.Workers
	if !s.Cfg.Parallel || len(remaining) == 1 {
		workers = 1
	}
	if workers > len(remaining) {
		workers = len(remaining)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for repo := range jobs {
				s.runRepo(ctx, op, repo, res, &mu)
			}
		}()
	}
	for _, repo := range remaining {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return res
		case jobs <- repo:
		}
	}
	close(jobs)
	wg.Wait()
	return res
}

// runRepo fetches one repository and records the outcome
// A progress write that fails counts as a repository failure; commits whose
// completion was never persisted would be invisible to resume, so they are
// not handed to the caller as done
func (s *Service) runRepo(ctx context.Context, op domain.Operation, repo string, res *domain.Result, mu *sync.Mutex) {
	rctx := logger.WithOperation(ctx, op.ID, repo)
	if err := s.markRepo(rctx, op.ID, repo, domain.RepoInProgress, 0, ""); err != nil {
		mu.Lock()
		res.Failures[repo] = err.Error()
		mu.Unlock()
		return
	}

	commits, err := s.fetchRepo(rctx, op, repo)
	if err != nil {
		logger.C(rctx).Warn().Err(err).Msg("repository failed")
		if merr := s.markRepo(rctx, op.ID, repo, domain.RepoFailed, 0, err.Error()); merr != nil {
			logger.C(rctx).Error().Err(merr).Msg("failure state not persisted")
		}
		mu.Lock()
		res.Failures[repo] = err.Error()
		mu.Unlock()
		return
	}

	if err := s.markRepo(rctx, op.ID, repo, domain.RepoCompleted, len(commits), ""); err != nil {
		mu.Lock()
		res.Failures[repo] = err.Error()
		mu.Unlock()
		return
	}
	mu.Lock()
	res.Commits[repo] = commits
	mu.Unlock()
}

// markRepo persists one progress transition
func (s *Service) markRepo(ctx context.Context, id, repo string, status domain.RepoStatus, count int, errMsg string) error {
	err := s.withState(ctx, func(r domain.StateRepo) error {
		return r.UpdateRepoProgress(ctx, id, repo, status, count, errMsg)
	})
	if err != nil {
		logger.C(ctx).Error().Err(err).Str("repo", repo).Msg("progress update failed")
		return perr.Wrap(err, perr.ErrorCodeDB, "persist repo progress")
	}
	return nil
}

// tryBatch attempts the batched graphql path for all repos at once
// Repos it satisfies are recorded; the rest are returned for the per repo
// fallback. A batch level failure falls back for everything when enabled
func (s *Service) tryBatch(
	ctx context.Context, op domain.Operation, repos []string, res *domain.Result, mu *sync.Mutex,
) (remaining []string) {
	authorID := ""
	if op.Author != "" {
		id, err := s.Source.ResolveAuthorID(ctx, op.Author)
		if err != nil {
			logger.C(ctx).Warn().Err(err).Str("author", op.Author).Msg("author lookup failed, skipping batch path")
			return repos
		}
		authorID = id
	}

	got, err := s.Source.BatchCommits(ctx, repos, op.Since, op.Until, authorID)
	if err != nil {
		if !s.Cfg.GraphQLFallback {
			logger.C(ctx).Warn().Err(err).Msg("batch fetch failed and fallback disabled")
			for _, repo := range repos {
				if merr := s.markRepo(ctx, op.ID, repo, domain.RepoFailed, 0, err.Error()); merr != nil {
					logger.C(ctx).Error().Err(merr).Msg("failure state not persisted")
				}
				mu.Lock()
				res.Failures[repo] = err.Error()
				mu.Unlock()
			}
			return nil
		}
		logger.C(ctx).Warn().Err(err).Msg("batch fetch failed, falling back per repo")
		return repos
	}

	for _, repo := range repos {
		commits, ok := got[repo]
		if !ok {
			// deleted or inaccessible mid batch; let the fallback decide
			remaining = append(remaining, repo)
			continue
		}
		commits = filterAuthor(commits, op.Author)
		s.cacheCommits(repo, op, commits)
		if err := s.markRepo(ctx, op.ID, repo, domain.RepoCompleted, len(commits), ""); err != nil {
			mu.Lock()
			res.Failures[repo] = err.Error()
			mu.Unlock()
			continue
		}
		mu.Lock()
		res.Commits[repo] = commits
		mu.Unlock()
	}
	return remaining
}

// fetchRepo returns the repo's commits for the window, cache first, then
// chunked upstream fetch with per chunk retries and resume state
func (s *Service) fetchRepo(ctx context.Context, op domain.Operation, repo string) ([]domain.Commit, error) {
	key := commitsKey(repo, op.Since, op.Until, op.Author)

	if data, ok := s.Cache.Get(TierCommits, key); ok {
		var commits []domain.Commit
		if err := unmarshal(data, &commits); err == nil {
			logger.C(ctx).Debug().Int("commits", len(commits)).Msg("commit cache hit")
			return commits, nil
		}
		s.Cache.Delete(TierCommits, key)
	}

	chunks := domain.SplitRange(op.Since, op.Until, s.Cfg.MaxSpanDays)
	var all []domain.Commit
	var err error
	if len(chunks) <= 1 {
		all, err = s.fetchChunkWithRetry(ctx, repo, op.Since, op.Until, op.Author)
	} else {
		all, err = s.fetchChunked(ctx, op, repo, chunks)
	}
	if err != nil {
		if perr.IsCode(err, perr.ErrorCodeCircuitOpen) {
			if stale, ok := s.staleCommits(ctx, key); ok {
				return stale, nil
			}
		}
		return nil, err
	}

	all = filterAuthor(all, op.Author)
	s.cacheCommits(repo, op, all)
	s.Cache.Delete(TierChunks, chunksKey(repo, op, s.Cfg.MaxSpanDays))
	return all, nil
}

// chunkState is the persisted resume state for one repo window
// Done maps chunk index to that chunk's commits
type chunkState struct {
	Done map[int][]domain.Commit `json:"done"`
}

// fetchChunked walks the chunks oldest first, persisting each completed
// chunk so an interrupted run loses at most one partial chunk
func (s *Service) fetchChunked(
	ctx context.Context, op domain.Operation, repo string, chunks []domain.DateChunk,
) ([]domain.Commit, error) {
	stateKey := chunksKey(repo, op, s.Cfg.MaxSpanDays)
	state := chunkState{Done: map[int][]domain.Commit{}}
	if data, ok := s.Cache.Get(TierChunks, stateKey); ok {
		if err := unmarshal(data, &state); err != nil || state.Done == nil {
			state = chunkState{Done: map[int][]domain.Commit{}}
		}
	}

	done := 0
	for i, chunk := range chunks {
		if _, ok := state.Done[i]; ok {
			done++
			continue
		}
		commits, err := s.fetchChunkWithRetry(ctx, repo, chunk.Start, chunk.End, op.Author)
		if err != nil {
			return nil, perr.Wrapf(err, perr.CodeOf(err),
				"chunk %d of %d (%s..%s)", i+1, len(chunks),
				chunk.Start.Format("2006-01-02"), chunk.End.Format("2006-01-02"))
		}
		state.Done[i] = commits
		done++
		if data, merr := marshal(state); merr == nil {
			s.Cache.Put(TierChunks, stateKey, data)
		}
		if err := s.markChunks(ctx, op.ID, repo, len(chunks), done); err != nil {
			return nil, err
		}
	}

	// chronological: chunk order is the date order
	var all []domain.Commit
	for i := range chunks {
		all = append(all, state.Done[i]...)
	}
	return all, nil
}

// markChunks records chunk progress
func (s *Service) markChunks(ctx context.Context, id, repo string, total, done int) error {
	err := s.withState(ctx, func(r domain.StateRepo) error {
		return r.UpdateChunkProgress(ctx, id, repo, total, done)
	})
	if err != nil {
		logger.C(ctx).Error().Err(err).Msg("chunk progress update failed")
		return perr.Wrap(err, perr.ErrorCodeDB, "persist chunk progress")
	}
	return nil
}

// fetchChunkWithRetry retries transient failures with bounded jittered
// backoff. Circuit open and client errors return immediately
func (s *Service) fetchChunkWithRetry(
	ctx context.Context, repo string, since, until time.Time, author string,
) ([]domain.Commit, error) {
	var last error
	for attempt := 0; attempt < s.Cfg.MaxRetries; attempt++ {
		commits, err := s.Source.Commits(ctx, repo, since, until, author)
		if err == nil {
			return commits, nil
		}
		last = err
		if perr.IsCode(err, perr.ErrorCodeCircuitOpen) || !perr.Retryable(err) {
			return nil, err
		}
		if attempt == s.Cfg.MaxRetries-1 {
			break
		}
		d := s.Cfg.RetryMin << uint(attempt)
		if d > s.Cfg.RetryMax {
			d = s.Cfg.RetryMax
		}
		j := d/2 + time.Duration(rand.Int63n(int64(d/2)))
		logger.C(ctx).Warn().Err(err).Dur("retry_in", j).Int("attempt", attempt).Msg("chunk fetch failed, retrying")
		if se := s.sleep(ctx, j); se != nil {
			return nil, se
		}
	}
	return nil, last
}

// staleCommits serves an expired cache entry while the circuit cools down
func (s *Service) staleCommits(ctx context.Context, key string) ([]domain.Commit, bool) {
	if s.Cfg.StaleWindow <= 0 {
		return nil, false
	}
	data, ok := s.Cache.GetStale(TierCommits, key, s.Cfg.StaleWindow)
	if !ok {
		return nil, false
	}
	var commits []domain.Commit
	if err := unmarshal(data, &commits); err != nil {
		return nil, false
	}
	logger.C(ctx).Warn().Int("commits", len(commits)).Msg("circuit open, serving stale cache")
	return commits, true
}

func (s *Service) cacheCommits(repo string, op domain.Operation, commits []domain.Commit) {
	if data, err := marshal(commits); err == nil {
		s.Cache.Put(TierCommits, commitsKey(repo, op.Since, op.Until, op.Author), data)
	}
}

// filterAuthor keeps commits whose login matches author after normalization
// An empty author keeps everything
func filterAuthor(commits []domain.Commit, author string) []domain.Commit {
	if author == "" {
		return commits
	}
	out := make([]domain.Commit, 0, len(commits))
	for _, c := range commits {
		if identity.Same(c.AuthorLogin, author) {
			out = append(out, c)
		}
	}
	return out
}
