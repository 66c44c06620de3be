package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	perr "recap/internal/platform/errors"
)

// CommitQuery scopes a commit listing to one repo and window
// Author narrows the upstream listing when set; callers still filter the
// results themselves since email-only commits bypass the upstream filter
type CommitQuery struct {
	Repo   string
	Since  time.Time
	Until  time.Time
	Author string
}

// ListCommits pages through a repo's commits inside the window
// An empty repository returns no commits rather than an error
func (c *Client) ListCommits(ctx context.Context, q CommitQuery) ([]Commit, error) {
	if q.Repo == "" {
		return nil, perr.InvalidArgf("repo is required")
	}

	params := url.Values{}
	params.Set("per_page", fmt.Sprint(c.opts.PerPage))
	params.Set("since", q.Since.UTC().Format(time.RFC3339))
	params.Set("until", q.Until.UTC().Format(time.RFC3339))
	if q.Author != "" {
		params.Set("author", q.Author)
	}

	var out []Commit
	for page := 1; page <= c.opts.MaxPages; page++ {
		params.Set("page", fmt.Sprint(page))
		path := fmt.Sprintf("repos/%s/commits?%s", q.Repo, params.Encode())
		raw, err := c.api(ctx, "commits", "api", path)
		if err != nil {
			// a window against an empty repo answers 409 on some setups and
			// 404 on others; both mean no commits
			if perr.IsCode(err, perr.ErrorCodeConflict) {
				return nil, nil
			}
			return nil, err
		}

		var batch []restCommit
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode commit page")
		}
		for _, rc := range batch {
			out = append(out, rc.toCommit(q.Repo))
		}
		if len(batch) < c.opts.PerPage {
			break
		}
	}
	return out, nil
}
