package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"time"

	"recap/internal/core/version"
	"recap/internal/modkit"
	"recap/internal/modkit/module"
	"recap/internal/modkit/repokit"
	"recap/internal/platform/config"
	"recap/internal/platform/logger"
	"recap/internal/platform/store"
	"recap/internal/services/fetch/domain"
	fetchmod "recap/internal/services/fetch/module"
)

func main() {
	root := config.New()
	stCfg := root.Prefix("RECAP_STATE_")

	l := logger.Get()
	st, err := store.Open(context.Background(), store.Config{
		AppName: "recap",
		DB: store.DBConfig{
			Enabled:     true,
			Path:        stCfg.MayString("PATH", defaultStatePath()),
			BusyTimeout: stCfg.MayDuration("BUSY_TIMEOUT", 5*time.Second),
			MaxConns:    stCfg.MayInt("MAX_CONNS", 4),
			LogSQL:      stCfg.MayBool("LOG_SQL", false),
			SlowQueryMs: stCfg.MayInt("SLOW_MS", 500),
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Panic().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()
	repokit.MustGuard(context.Background(), st)

	var (
		fUser   = flag.String("user", "", "GitHub login to fetch activity for (default: authenticated user)")
		fOrg    = flag.String("org", "", "GitHub org to fetch activity for instead of a user")
		fAuthor = flag.String("author", "", "only keep commits authored by this login")
		fSince  = flag.String("since", "", "UTC start date YYYY-MM-DD")
		fUntil  = flag.String("until", "", "UTC end date YYYY-MM-DD inclusive (default: today)")

		fResume  = flag.String("resume", "", "resume the given operation id instead of starting a new fetch")
		fList    = flag.Int("list", 0, "list the N most recent operations and exit")
		fCleanup = flag.String("cleanup", "", "delete terminal operations older than this duration (e.g. 720h) and exit")

		fStrict  = flag.Bool("strict", false, "exit non-zero when the operation completes partially")
		fCommits = flag.Bool("commits", false, "include full commit lists in the JSON output")
		fVersion = flag.Bool("version", false, "print build info and exit")
	)
	flag.Parse()

	if *fVersion {
		_ = json.NewEncoder(os.Stdout).Encode(version.Info())
		return
	}

	deps := modkit.Deps{
		Cfg: root,
		DB:  st.DB,
		Log: *l,
	}

	fm := fetchmod.New(deps)
	module.Register(fm.Name(), fm.Ports())
	ports := fm.Ports().(fetchmod.Ports)

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	switch {
	case *fList > 0:
		ops, err := ports.Runner.List(ctx, *fList)
		if err != nil {
			l.Fatal().Err(err).Msg("list operations failed")
		}
		if err := out.Encode(opSummaries(ops)); err != nil {
			l.Fatal().Err(err).Msg("encode failed")
		}
		return

	case *fCleanup != "":
		olderThan, err := time.ParseDuration(*fCleanup)
		if err != nil {
			l.Panic().Err(err).Msg("bad -cleanup duration")
		}
		n, err := ports.Runner.Cleanup(ctx, olderThan)
		if err != nil {
			l.Fatal().Err(err).Msg("cleanup failed")
		}
		l.Info().Int("deleted", n).Msg("cleanup done")
		return
	}

	if err := ports.Probe.CheckPrereqs(ctx); err != nil {
		l.Fatal().Err(err).Msg("gh is missing or unauthenticated")
	}
	ports.Probe.RefreshQuota(ctx)

	if err := fm.Restore(ctx); err != nil {
		l.Warn().Err(err).Msg("could not restore circuit state")
	}

	var res *domain.Result
	var runErr error
	if *fResume != "" {
		res, runErr = ports.Runner.Resume(ctx, *fResume)
	} else {
		since, until := parseRange(l, *fSince, *fUntil)
		res, runErr = ports.Runner.Run(ctx, domain.FetchRequest{
			User:   *fUser,
			Org:    *fOrg,
			Author: *fAuthor,
			Since:  since,
			Until:  until,
		})
	}
	if runErr != nil && res == nil {
		l.Fatal().Err(runErr).Msg("fetch failed")
	}

	if err := out.Encode(runSummary(res, *fCommits)); err != nil {
		l.Fatal().Err(err).Msg("encode failed")
	}

	switch {
	case runErr != nil:
		l.Error().Err(runErr).Msg("fetch failed")
		os.Exit(1)
	case res.Status == domain.OpPartial:
		l.Warn().Str("operation_id", res.OperationID).Msg("fetch completed partially")
		if *fStrict || root.Prefix("RECAP_FETCH_").MayBool("STRICT", false) {
			os.Exit(1)
		}
	}
}

// parseRange validates the date flags; -until defaults to today
func parseRange(l *logger.Logger, since, until string) (time.Time, time.Time) {
	if since == "" {
		l.Panic().Msg("must provide -since (unless -resume, -list or -cleanup)")
	}
	s, err := time.Parse("2006-01-02", since)
	if err != nil {
		l.Panic().Err(err).Msg("bad -since")
	}
	u := time.Now().UTC().Truncate(24 * time.Hour)
	if until != "" {
		u, err = time.Parse("2006-01-02", until)
		if err != nil {
			l.Panic().Err(err).Msg("bad -until")
		}
	}
	if u.Before(s) {
		l.Panic().Str("since", since).Str("until", until).Msg("-until before -since")
	}
	return s, u
}

// opSummary is the list output row
type opSummary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	User      string    `json:"user,omitempty"`
	Org       string    `json:"org,omitempty"`
	Author    string    `json:"author,omitempty"`
	Since     string    `json:"since"`
	Until     string    `json:"until"`
	Total     int       `json:"total_repos"`
	Completed int       `json:"completed_repos"`
	Failed    int       `json:"failed_repos"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func opSummaries(ops []domain.Operation) []opSummary {
	out := make([]opSummary, 0, len(ops))
	for _, op := range ops {
		out = append(out, opSummary{
			ID:        op.ID,
			Status:    string(op.Status),
			User:      op.User,
			Org:       op.Org,
			Author:    op.Author,
			Since:     op.Since.Format("2006-01-02"),
			Until:     op.Until.Format("2006-01-02"),
			Total:     op.TotalRepos,
			Completed: op.CompletedRepos,
			Failed:    op.FailedRepos,
			Error:     op.ErrorMsg,
			CreatedAt: op.CreatedAt,
		})
	}
	return out
}

// fetchSummary is the run output shape
type fetchSummary struct {
	OperationID string                     `json:"operation_id"`
	Status      string                     `json:"status"`
	Repos       int                        `json:"repos"`
	CommitTotal int                        `json:"commit_total"`
	PerRepo     map[string]int             `json:"commits_per_repo"`
	Failures    map[string]string          `json:"failures,omitempty"`
	Commits     map[string][]domain.Commit `json:"commits,omitempty"`
}

func runSummary(res *domain.Result, withCommits bool) fetchSummary {
	perRepo := make(map[string]int, len(res.Commits))
	for repo, cs := range res.Commits {
		perRepo[repo] = len(cs)
	}
	s := fetchSummary{
		OperationID: res.OperationID,
		Status:      string(res.Status),
		Repos:       len(res.Commits),
		CommitTotal: res.CommitTotal(),
		PerRepo:     perRepo,
		Failures:    res.Failures,
	}
	if len(s.Failures) == 0 {
		s.Failures = nil
	}
	if withCommits {
		s.Commits = res.Commits
	}
	return s
}

func defaultStatePath() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "recap", "state.db")
	}
	return filepath.Join(os.TempDir(), "recap-state.db")
}
