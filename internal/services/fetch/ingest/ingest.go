// Package ingest adapts the gh client to the fetch domain ports
package ingest

import (
	"context"
	"time"

	"recap/internal/adapters/github"
	"recap/internal/services/fetch/domain"
)

// Source implements domain.Discovery and domain.CommitSource over one Client
type Source struct {
	cli *github.Client
}

// New wraps a gh client
func New(cli *github.Client) *Source { return &Source{cli: cli} }

var (
	_ domain.Discovery    = (*Source)(nil)
	_ domain.CommitSource = (*Source)(nil)
)

// UserRepos lists a user's repositories
func (s *Source) UserRepos(ctx context.Context, user string) ([]domain.RepoMeta, error) {
	repos, err := s.cli.ListUserRepos(ctx, user)
	if err != nil {
		return nil, err
	}
	return toMetas(repos), nil
}

// OrgRepos lists an organization's repositories
func (s *Source) OrgRepos(ctx context.Context, org string) ([]domain.RepoMeta, error) {
	repos, err := s.cli.ListOrgRepos(ctx, org)
	if err != nil {
		return nil, err
	}
	return toMetas(repos), nil
}

// Viewer resolves the authenticated login
func (s *Source) Viewer(ctx context.Context) (string, error) {
	return s.cli.Viewer(ctx)
}

// Commits lists one repo's commits in the window
// until is extended to end of day so the inclusive calendar date is covered
func (s *Source) Commits(ctx context.Context, repo string, since, until time.Time, author string) ([]domain.Commit, error) {
	commits, err := s.cli.ListCommits(ctx, github.CommitQuery{
		Repo:   repo,
		Since:  since,
		Until:  endOfDay(until),
		Author: author,
	})
	if err != nil {
		return nil, err
	}
	return toCommits(commits), nil
}

// BatchCommits fetches several repos in batched graphql queries
func (s *Source) BatchCommits(
	ctx context.Context, repos []string, since, until time.Time, authorID string,
) (map[string][]domain.Commit, error) {
	got, err := s.cli.BatchCommits(ctx, github.BatchQuery{
		Repos:    repos,
		Since:    since,
		Until:    endOfDay(until),
		AuthorID: authorID,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]domain.Commit, len(got))
	for repo, cs := range got {
		out[repo] = toCommits(cs)
	}
	return out, nil
}

// ResolveAuthorID maps a login to its graphql node id
func (s *Source) ResolveAuthorID(ctx context.Context, login string) (string, error) {
	return s.cli.ResolveUserID(ctx, login)
}

func toMetas(repos []github.Repository) []domain.RepoMeta {
	out := make([]domain.RepoMeta, 0, len(repos))
	for _, r := range repos {
		out = append(out, domain.RepoMeta{
			FullName:      r.FullName,
			DefaultBranch: r.DefaultBranch,
			Private:       r.Private,
			Fork:          r.Fork,
			Archived:      r.Archived,
			PushedAt:      r.PushedAt,
		})
	}
	return out
}

func toCommits(commits []github.Commit) []domain.Commit {
	out := make([]domain.Commit, 0, len(commits))
	for _, c := range commits {
		out = append(out, domain.Commit{
			Repo:           c.Repo,
			SHA:            c.SHA,
			Message:        c.Message,
			AuthorLogin:    c.AuthorLogin,
			AuthorName:     c.AuthorName,
			AuthorEmail:    c.AuthorEmail,
			AuthoredAt:     c.AuthoredAt,
			CommitterName:  c.CommitterName,
			CommitterEmail: c.CommitterEmail,
			CommittedAt:    c.CommittedAt,
			URL:            c.URL,
		})
	}
	return out
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}
