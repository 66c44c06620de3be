// Package github fetches repository and commit data through the gh CLI
// All upstream access funnels through one Client so the shared rate budget
// and per endpoint circuits see every call
package github

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"recap/internal/platform/breaker"
	perr "recap/internal/platform/errors"
	"recap/internal/platform/logger"
	"recap/internal/platform/ratelimit"
)

const (
	defaultBin       = "gh"
	defaultTimeout   = 2 * time.Minute
	defaultMaxRetry  = 3
	defaultRetryBase = 500 * time.Millisecond
	defaultPerPage   = 100
	defaultMaxPages  = 10
)

// Runner executes a gh invocation and returns stdout and stderr
// The seam exists so tests can script upstream behavior
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs the real gh binary
type ExecRunner struct {
	Bin string
}

// Run shells out to gh with the given args
func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	bin := r.Bin
	if bin == "" {
		bin = defaultBin
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.Bytes(), errb.Bytes(), err
}

// Options configures the Client
type Options struct {
	Bin      string
	Timeout  time.Duration
	PerPage  int
	MaxPages int

	// GQLBatch is how many repos share one batched GraphQL query
	GQLBatch int

	// Retry config for transient and rate limited failures
	MaxRetries int
	RetryBase  time.Duration
}

// Client wraps gh with retries, rate budget sharing, and circuit breaking
type Client struct {
	runner  Runner
	opts    Options
	limiter *ratelimit.Limiter
	breaker *breaker.Registry
	log     logger.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client with sane defaults
// limiter and breaker may be nil, which disables that protection
func NewClient(o Options, runner Runner, lim *ratelimit.Limiter, brk *breaker.Registry) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PerPage <= 0 || o.PerPage > 100 {
		o.PerPage = defaultPerPage
	}
	if o.MaxPages <= 0 {
		o.MaxPages = defaultMaxPages
	}
	if o.GQLBatch <= 0 {
		o.GQLBatch = defaultGQLBatch
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetry
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if runner == nil {
		runner = ExecRunner{Bin: o.Bin}
	}
	return &Client{
		runner:  runner,
		opts:    o,
		limiter: lim,
		breaker: brk,
		log:     *logger.Named("github"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// api runs a gh call under the endpoint's circuit with retries
func (c *Client) api(ctx context.Context, endpoint string, args ...string) ([]byte, error) {
	if c.breaker == nil {
		return c.run(ctx, endpoint, args...)
	}
	var out []byte
	err := c.breaker.Do(ctx, endpoint, func(ctx context.Context) error {
		b, err := c.run(ctx, endpoint, args...)
		out = b
		return err
	})
	return out, err
}

func (c *Client) run(ctx context.Context, endpoint string, args ...string) ([]byte, error) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		}

		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		start := c.now()
		stdout, stderr, err := c.runner.Run(cctx, args...)
		lat := c.now().Sub(start)
		cancel()

		if err == nil {
			c.log.Debug().
				Str("endpoint", endpoint).
				Int("attempt", attempts).
				Dur("latency", lat).
				Int("bytes", len(stdout)).
				Msg("gh call ok")
			return stdout, nil
		}

		cerr := classify(stderr, err)
		if c.limiter != nil && perr.IsCode(cerr, perr.ErrorCodeTooManyRequests) {
			// upstream says we are out of budget; empty the local bucket so
			// every worker's next Acquire blocks until it refills
			c.limiter.UpdateFromQuota(0, c.now())
		}
		if !perr.Retryable(cerr) || attempts >= c.opts.MaxRetries {
			c.log.Warn().
				Err(cerr).
				Str("endpoint", endpoint).
				Int("attempt", attempts).
				Msg("gh call failed")
			return nil, cerr
		}
		back := c.backoff(attempts)
		c.log.Warn().
			Err(cerr).
			Str("endpoint", endpoint).
			Dur("retry_in", back).
			Int("attempt", attempts).
			Msg("gh call failed, retrying")
		if serr := c.sleep(ctx, back); serr != nil {
			return nil, serr
		}
		attempts++
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.RetryBase
	// simple exponential with cap
	ms := int64(d / time.Millisecond)
	ms = ms << uint(attempt)
	max := int64(30 * time.Second / time.Millisecond)
	if ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

// classify maps a failed gh invocation to an error code from its stderr
func classify(stderr []byte, err error) error {
	s := strings.ToLower(string(stderr))
	switch {
	case strings.Contains(s, "http 404") || strings.Contains(s, "not found (http 404)"):
		return perr.Wrapf(err, perr.ErrorCodeNotFound, "gh: not found: %s", firstLine(s))
	case strings.Contains(s, "http 409"):
		return perr.Wrapf(err, perr.ErrorCodeConflict, "gh: conflict: %s", firstLine(s))
	case strings.Contains(s, "http 429") || strings.Contains(s, "rate limit") || strings.Contains(s, "http 403"):
		return perr.Wrapf(err, perr.ErrorCodeTooManyRequests, "gh: rate limited: %s", firstLine(s))
	case strings.Contains(s, "http 401") || strings.Contains(s, "bad credentials") || strings.Contains(s, "authentication"):
		return perr.Wrapf(err, perr.ErrorCodeUnauthorized, "gh: auth failed: %s", firstLine(s))
	case strings.Contains(s, "http 5"):
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "gh: server error: %s", firstLine(s))
	case strings.Contains(s, "connect") || strings.Contains(s, "could not resolve") || strings.Contains(s, "timeout"):
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "gh: network trouble: %s", firstLine(s))
	case errors.Is(err, context.DeadlineExceeded):
		return perr.Wrap(err, perr.ErrorCodeUnavailable, "gh: timed out")
	case errors.Is(err, exec.ErrNotFound):
		return perr.Wrap(err, perr.ErrorCodeUnknown, "gh: binary not found on PATH")
	default:
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "gh: %s", firstLine(s))
	}
}

// sleepCtx waits out d unless ctx is done first, so a cancelled fetch
// never sits through a retry backoff
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
