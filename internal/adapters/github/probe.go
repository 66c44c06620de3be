package github

import (
	"context"
	"encoding/json"
	"time"

	perr "recap/internal/platform/errors"
)

// CheckPrereqs verifies the gh binary is present and authenticated
// Run once at startup so a missing login fails fast instead of mid fetch
func (c *Client) CheckPrereqs(ctx context.Context) error {
	if _, _, err := c.runner.Run(ctx, "--version"); err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnknown, "gh is not installed or not on PATH")
	}
	if _, stderr, err := c.runner.Run(ctx, "auth", "status"); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnauthorized, "gh is not authenticated: %s", firstLine(string(stderr)))
	}
	return nil
}

// Viewer returns the authenticated login
func (c *Client) Viewer(ctx context.Context) (string, error) {
	raw, err := c.api(ctx, "user", "api", "user")
	if err != nil {
		return "", err
	}
	var u struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeJSON, "decode viewer")
	}
	if u.Login == "" {
		return "", perr.Unauthorizedf("viewer has no login")
	}
	return u.Login, nil
}

// RefreshQuota asks upstream for the authoritative core quota and folds it
// into the shared limiter. Failures are logged and swallowed so a quota
// probe never fails a fetch
func (c *Client) RefreshQuota(ctx context.Context) {
	if c.limiter == nil {
		return
	}
	raw, err := c.run(ctx, "rate_limit", "api", "rate_limit")
	if err != nil {
		c.log.Warn().Err(err).Msg("rate quota probe failed")
		return
	}
	var rl struct {
		Resources struct {
			Core struct {
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &rl); err != nil {
		c.log.Warn().Err(err).Msg("rate quota decode failed")
		return
	}
	c.limiter.UpdateFromQuota(rl.Resources.Core.Remaining, time.Unix(rl.Resources.Core.Reset, 0))
}
