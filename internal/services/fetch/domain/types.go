// Package domain holds the fetch service types and ports
package domain

import "time"

// OperationStatus is the lifecycle state of one fetch operation
type OperationStatus string

// Operation statuses
const (
	OpPending    OperationStatus = "pending"
	OpInProgress OperationStatus = "in_progress"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpPartial    OperationStatus = "partial"
)

// Terminal reports whether the status will not change again
func (s OperationStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpPartial
}

// RepoStatus is the per repository state inside an operation
type RepoStatus string

// Repository statuses
const (
	RepoPending    RepoStatus = "pending"
	RepoInProgress RepoStatus = "in_progress"
	RepoCompleted  RepoStatus = "completed"
	RepoFailed     RepoStatus = "failed"
)

// FetchRequest describes one top level fetch
// Since and Until are inclusive calendar dates
type FetchRequest struct {
	User   string    `validate:"omitempty,max=100"`
	Org    string    `validate:"omitempty,max=100"`
	Author string    `validate:"omitempty,max=100"`
	Since  time.Time `validate:"required"`
	Until  time.Time `validate:"required,gtefield=Since"`
}

// Operation is one logical fetch request, owned by the state store
type Operation struct {
	ID             string
	Kind           string
	User           string
	Org            string
	Author         string
	Since          time.Time
	Until          time.Time
	Status         OperationStatus
	TotalRepos     int
	CompletedRepos int
	FailedRepos    int
	ErrorMsg       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RepositoryProgress is one row per (operation, repository)
type RepositoryProgress struct {
	OperationID string
	Repo        string
	Status      RepoStatus
	ChunksTotal int
	ChunksDone  int
	CommitCount int
	ErrorMsg    string
	UpdatedAt   time.Time
}

// Commit is a normalized commit record
// Author and committer differ on cherry picks, rebases and patches applied
// on someone's behalf, so both identities are kept
type Commit struct {
	Repo           string    `json:"repo"`
	SHA            string    `json:"sha"`
	Message        string    `json:"message"`
	AuthorLogin    string    `json:"author_login,omitempty"`
	AuthorName     string    `json:"author_name,omitempty"`
	AuthorEmail    string    `json:"author_email,omitempty"`
	AuthoredAt     time.Time `json:"authored_at"`
	CommitterName  string    `json:"committer_name,omitempty"`
	CommitterEmail string    `json:"committer_email,omitempty"`
	CommittedAt    time.Time `json:"committed_at"`
	URL            string    `json:"url,omitempty"`
}

// RepoMeta is a discovered repository in the internal schema
type RepoMeta struct {
	FullName      string    `json:"full_name"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Fork          bool      `json:"fork"`
	Archived      bool      `json:"archived"`
	PushedAt      time.Time `json:"pushed_at"`
}

// Result is what a fetch run hands back to the caller
// Commits holds every successful repository's commits keyed by full name
// Failures holds the per repository error text for the rest
type Result struct {
	OperationID string
	Status      OperationStatus
	Commits     map[string][]Commit
	Failures    map[string]string
}

// CommitTotal counts commits across all repositories
func (r *Result) CommitTotal() int {
	n := 0
	for _, cs := range r.Commits {
		n += len(cs)
	}
	return n
}
