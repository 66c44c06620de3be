package github

import (
	"context"
	"encoding/json"
	"fmt"

	perr "recap/internal/platform/errors"
)

// ListUserRepos pages through a user's owned repositories
func (c *Client) ListUserRepos(ctx context.Context, user string) ([]Repository, error) {
	if user == "" {
		return nil, perr.InvalidArgf("user is required")
	}
	return c.listRepos(ctx, fmt.Sprintf("users/%s/repos", user), "type=owner")
}

// ListOrgRepos pages through an organization's repositories
func (c *Client) ListOrgRepos(ctx context.Context, org string) ([]Repository, error) {
	if org == "" {
		return nil, perr.InvalidArgf("org is required")
	}
	return c.listRepos(ctx, fmt.Sprintf("orgs/%s/repos", org), "type=all")
}

func (c *Client) listRepos(ctx context.Context, path, typeFilter string) ([]Repository, error) {
	var out []Repository
	for page := 1; page <= c.opts.MaxPages; page++ {
		url := fmt.Sprintf("%s?per_page=%d&page=%d&sort=pushed&%s", path, c.opts.PerPage, page, typeFilter)
		raw, err := c.api(ctx, "repos", "api", url)
		if err != nil {
			return nil, err
		}

		var batch []restRepo
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode repo page")
		}
		for _, r := range batch {
			out = append(out, r.toRepository())
		}
		if len(batch) < c.opts.PerPage {
			break
		}
	}
	c.log.Debug().Str("path", path).Int("repos", len(out)).Msg("repo discovery complete")
	return out, nil
}
