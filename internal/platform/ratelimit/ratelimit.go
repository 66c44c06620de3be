// Package ratelimit coordinates request budget across workers
// A single token bucket mirrors the upstream hourly quota so parallel
// fetchers share one view of how much headroom is left
package ratelimit

import (
	"context"
	"sync"
	"time"

	perr "recap/internal/platform/errors"
	"recap/internal/platform/logger"
)

// Options configures the shared bucket
type Options struct {
	// HourlyQuota is the upstream allowance per hour
	HourlyQuota int

	// Buffer is withheld from the quota so we never run the budget to zero
	Buffer int
}

// Limiter is a token bucket shared by all fetch workers
type Limiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	buffer   float64
	rate     float64 // tokens per second
	last     time.Time
	log      logger.Logger

	// seams for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a limiter with capacity quota minus buffer, refilling at
// capacity per hour. The bucket starts full
func New(opts Options) *Limiter {
	if opts.HourlyQuota <= 0 {
		opts.HourlyQuota = 5000
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	capacity := float64(opts.HourlyQuota - opts.Buffer)
	if capacity < 1 {
		capacity = 1
	}
	l := &Limiter{
		tokens:   capacity,
		capacity: capacity,
		buffer:   float64(opts.Buffer),
		rate:     capacity / 3600,
		log:      *logger.Named("ratelimit"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	l.last = l.now()
	return l
}

// Acquire blocks until a token is available or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.take()
		if ok {
			return nil
		}
		l.log.Debug().Dur("wait", wait).Msg("rate budget exhausted, pausing")
		if err := l.sleep(ctx, wait); err != nil {
			return perr.Wrap(err, perr.ErrorCodeTooManyRequests, "rate limit wait interrupted")
		}
	}
}

// take refills from elapsed time and spends one token when possible
// returns the wait until the next token otherwise
func (l *Limiter) take() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}
	need := 1 - l.tokens
	wait := time.Duration(need / l.rate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait, false
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now
}

// UpdateFromQuota reconciles the local bucket with the authoritative
// remaining count reported by the upstream. The buffer is withheld from
// the upstream number the same way it is withheld from capacity. Only
// lowers the budget; a higher upstream number means other tooling
// returned quota we never spent, and staying conservative is fine
func (l *Limiter) UpdateFromQuota(remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	rem := float64(remaining) - l.buffer
	if rem < 0 {
		rem = 0
	}
	if rem > l.capacity {
		rem = l.capacity
	}
	if rem < l.tokens {
		l.log.Info().
			Int("remaining", remaining).
			Time("reset", reset).
			Msg("lowering local rate budget to match upstream")
		l.tokens = rem
	}
}

// Remaining reports the current token count, for logging and tests
func (l *Limiter) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// sleepCtx sleeps for d unless ctx is done first
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
