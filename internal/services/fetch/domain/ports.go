package domain

import (
	"context"
	"time"
)

// RunnerPort is the public port exposed by the fetch module
type RunnerPort interface {
	Run(ctx context.Context, req FetchRequest) (*Result, error)
	Resume(ctx context.Context, operationID string) (*Result, error)
	List(ctx context.Context, limit int) ([]Operation, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// StateRepo is the durable operation state surface
// All mutations run inside the caller's transaction via the binder
type StateRepo interface {
	CreateOperation(ctx context.Context, op Operation) error
	GetOperation(ctx context.Context, id string) (Operation, error)
	UpdateOperationStatus(ctx context.Context, id string, status OperationStatus, errMsg string) error
	AddRepositories(ctx context.Context, id string, repos []string, chunksTotal int) error
	UpdateRepoProgress(ctx context.Context, id, repo string, status RepoStatus, commitCount int, errMsg string) error
	UpdateChunkProgress(ctx context.Context, id, repo string, chunksTotal, chunksDone int) error
	PendingRepositories(ctx context.Context, id string) ([]string, error)
	Repositories(ctx context.Context, id string) ([]RepositoryProgress, error)

	// RefreshCounters recomputes the operation's repo counters from the
	// progress rows and returns them
	RefreshCounters(ctx context.Context, id string) (total, completed, failed int, err error)

	ListOperations(ctx context.Context, limit int) ([]Operation, error)
	DeleteOperationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Discovery lists repositories visible to a user or org
type Discovery interface {
	UserRepos(ctx context.Context, user string) ([]RepoMeta, error)
	OrgRepos(ctx context.Context, org string) ([]RepoMeta, error)

	// Viewer resolves the authenticated login when no user is given
	Viewer(ctx context.Context) (string, error)
}

// CommitSource fetches commits for one repo window, or a batch of repos
type CommitSource interface {
	Commits(ctx context.Context, repo string, since, until time.Time, author string) ([]Commit, error)

	// BatchCommits fetches several repos in one upstream round trip
	// Callers fall back to Commits per repo when it fails
	BatchCommits(ctx context.Context, repos []string, since, until time.Time, authorID string) (map[string][]Commit, error)

	// ResolveAuthorID maps a login to the id BatchCommits filters by
	ResolveAuthorID(ctx context.Context, login string) (string, error)
}

// ProbePort surfaces upstream readiness checks to the CLI
type ProbePort interface {
	// CheckPrereqs fails fast when the upstream proxy tool is missing or
	// unauthenticated
	CheckPrereqs(ctx context.Context) error

	// RefreshQuota reconciles the shared rate budget with upstream
	RefreshQuota(ctx context.Context)
}
