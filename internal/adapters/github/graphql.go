package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	perr "recap/internal/platform/errors"
)

// defaultGQLBatch caps how many repos share one GraphQL query
const defaultGQLBatch = 10

// BatchQuery scopes a batched commit fetch
// AuthorID is the GraphQL node id of the author, empty for all authors
type BatchQuery struct {
	Repos    []string
	Since    time.Time
	Until    time.Time
	AuthorID string
}

// BatchCommits fetches commit history for several repos in aliased GraphQL
// queries. The result maps repo full name to its commits. Callers fall back
// to ListCommits per repo when this fails
func (c *Client) BatchCommits(ctx context.Context, q BatchQuery) (map[string][]Commit, error) {
	out := make(map[string][]Commit, len(q.Repos))
	size := c.opts.GQLBatch
	for start := 0; start < len(q.Repos); start += size {
		end := start + size
		if end > len(q.Repos) {
			end = len(q.Repos)
		}
		if err := c.batchOnce(ctx, q, q.Repos[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// batchOnce drives one batch of repos to completion, following each repo's
// history cursor until exhausted
func (c *Client) batchOnce(ctx context.Context, q BatchQuery, repos []string, out map[string][]Commit) error {
	cursors := make(map[string]string, len(repos))
	pending := append([]string(nil), repos...)

	for page := 0; len(pending) > 0; page++ {
		if page >= c.opts.MaxPages {
			c.log.Warn().Int("repos_left", len(pending)).Msg("graphql page cap reached, truncating history")
			break
		}

		query := buildBatchQuery(q, pending, cursors)
		raw, err := c.api(ctx, "graphql", "api", "graphql", "-f", "query="+query)
		if err != nil {
			return err
		}

		var resp struct {
			Data   map[string]json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return perr.Wrap(err, perr.ErrorCodeJSON, "decode graphql response")
		}
		if len(resp.Errors) > 0 && len(resp.Data) == 0 {
			return perr.Unavailablef("graphql: %s", resp.Errors[0].Message)
		}

		var next []string
		for i, repo := range pending {
			alias := fmt.Sprintf("r%d", i)
			nodeRaw, ok := resp.Data[alias]
			if !ok || string(nodeRaw) == "null" {
				continue
			}
			commits, cursor, more, err := decodeRepoHistory(nodeRaw, repo)
			if err != nil {
				return err
			}
			out[repo] = append(out[repo], commits...)
			if more {
				cursors[repo] = cursor
				next = append(next, repo)
			}
		}
		pending = next
	}
	return nil
}

// buildBatchQuery aliases one history selection per repo
func buildBatchQuery(q BatchQuery, repos []string, cursors map[string]string) string {
	var b strings.Builder
	b.WriteString("query {")
	for i, repo := range repos {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok {
			continue
		}
		after := ""
		if cur, ok := cursors[repo]; ok {
			after = fmt.Sprintf(", after: %q", cur)
		}
		author := ""
		if q.AuthorID != "" {
			author = fmt.Sprintf(", author: {id: %q}", q.AuthorID)
		}
		fmt.Fprintf(&b,
			` r%d: repository(owner: %q, name: %q) {
				defaultBranchRef { target { ... on Commit {
					history(since: %q, until: %q, first: 100%s%s) {
						pageInfo { hasNextPage endCursor }
						nodes { oid message url authoredDate committedDate author { name email user { login } } committer { name email } }
					}
				} } }
			}`,
			i, owner, name,
			q.Since.UTC().Format(time.RFC3339), q.Until.UTC().Format(time.RFC3339),
			author, after,
		)
	}
	b.WriteString(" }")
	return b.String()
}

// decodeRepoHistory unpacks one aliased repository node
func decodeRepoHistory(raw json.RawMessage, repo string) ([]Commit, string, bool, error) {
	var node struct {
		DefaultBranchRef *struct {
			Target struct {
				History struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []gqlCommit `json:"nodes"`
				} `json:"history"`
			} `json:"target"`
		} `json:"defaultBranchRef"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, "", false, perr.Wrapf(err, perr.ErrorCodeJSON, "decode history for %s", repo)
	}
	if node.DefaultBranchRef == nil {
		// empty repo, no default branch
		return nil, "", false, nil
	}
	h := node.DefaultBranchRef.Target.History
	commits := make([]Commit, 0, len(h.Nodes))
	for _, n := range h.Nodes {
		commits = append(commits, n.toCommit(repo))
	}
	return commits, h.PageInfo.EndCursor, h.PageInfo.HasNextPage, nil
}

// ResolveUserID looks up the GraphQL node id for a login
// Used to author-filter batched history server side
func (c *Client) ResolveUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", perr.InvalidArgf("login is required")
	}
	raw, err := c.api(ctx, "user", "api", "users/"+login)
	if err != nil {
		return "", err
	}
	var u struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeJSON, "decode user")
	}
	if u.NodeID == "" {
		return "", perr.NotFoundf("no node id for %s", login)
	}
	return u.NodeID, nil
}
