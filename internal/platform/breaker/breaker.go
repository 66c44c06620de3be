// Package breaker implements per endpoint circuit breaking
// Consecutive failures open a circuit; after a cooldown one probe call is
// let through and its outcome decides whether the circuit closes again
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	perr "recap/internal/platform/errors"
	"recap/internal/platform/logger"
)

// State is the lifecycle phase of a single circuit
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is the persistable view of one circuit
type Snapshot struct {
	Endpoint      string
	State         State
	FailureCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// Store persists circuit state across runs. Implementations live with the
// operation state store; persistence failures are logged and swallowed
type Store interface {
	SaveCircuit(ctx context.Context, s Snapshot) error
	LoadCircuits(ctx context.Context) ([]Snapshot, error)
}

// Options configures a Registry
type Options struct {
	// Threshold is how many consecutive failures open a circuit
	Threshold int

	// Cooldown is how long an open circuit rejects calls before probing
	Cooldown time.Duration

	// Store, when set, persists circuit transitions
	Store Store
}

type circuit struct {
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

// Registry tracks one circuit per endpoint
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	opts     Options
	log      logger.Logger
	now      func() time.Time
}

// New builds a registry. Defaults: threshold 5, cooldown one minute
func New(opts Options) *Registry {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	return &Registry{
		circuits: make(map[string]*circuit),
		opts:     opts,
		log:      *logger.Named("breaker"),
		now:      time.Now,
	}
}

// Restore loads persisted circuit state, when a Store is configured
func (r *Registry) Restore(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	snaps, err := r.opts.Store.LoadCircuits(ctx)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeDB, "restore circuits")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snaps {
		r.circuits[s.Endpoint] = &circuit{
			state:         s.State,
			failures:      s.FailureCount,
			lastFailureAt: s.LastFailureAt,
			openedAt:      s.OpenedAt,
		}
	}
	return nil
}

// Do runs fn under the endpoint's circuit. When the circuit is open and
// cooling down, fn is not called and ErrorCodeCircuitOpen is returned
func (r *Registry) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	if err := r.allow(ctx, endpoint); err != nil {
		return err
	}
	err := fn(ctx)
	r.record(ctx, endpoint, err)
	return err
}

// StateOf reports the endpoint's current state, StateClosed when untracked
func (r *Registry) StateOf(endpoint string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[endpoint]
	if !ok {
		return StateClosed
	}
	return c.state
}

func (r *Registry) allow(ctx context.Context, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[endpoint]
	if c == nil {
		c = &circuit{state: StateClosed}
		r.circuits[endpoint] = c
	}

	switch c.state {
	case StateOpen:
		if r.now().Sub(c.openedAt) < r.opts.Cooldown {
			return perr.CircuitOpenf("circuit open for %s", endpoint)
		}
		c.state = StateHalfOpen
		c.probing = false
		r.log.Info().Str("endpoint", endpoint).Msg("circuit half open, probing")
		r.persistLocked(ctx, endpoint, c)
		fallthrough
	case StateHalfOpen:
		// one probe at a time while half open
		if c.probing {
			return perr.CircuitOpenf("circuit probing %s", endpoint)
		}
		c.probing = true
	}
	return nil
}

func (r *Registry) record(ctx context.Context, endpoint string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[endpoint]
	if c == nil {
		return
	}
	c.probing = false

	if err == nil || !countsAsFailure(err) {
		if c.state != StateClosed || c.failures != 0 {
			c.state = StateClosed
			c.failures = 0
			r.persistLocked(ctx, endpoint, c)
		}
		return
	}

	c.failures++
	c.lastFailureAt = r.now()

	switch c.state {
	case StateHalfOpen:
		// a failed probe reopens immediately
		c.state = StateOpen
		c.openedAt = r.now()
		r.log.Warn().Str("endpoint", endpoint).Msg("probe failed, circuit reopened")
	case StateClosed:
		if c.failures >= r.opts.Threshold {
			c.state = StateOpen
			c.openedAt = r.now()
			r.log.Warn().
				Str("endpoint", endpoint).
				Int("failures", c.failures).
				Msg("failure threshold reached, circuit opened")
		}
	}
	r.persistLocked(ctx, endpoint, c)
}

func (r *Registry) persistLocked(ctx context.Context, endpoint string, c *circuit) {
	if r.opts.Store == nil {
		return
	}
	snap := Snapshot{
		Endpoint:      endpoint,
		State:         c.state,
		FailureCount:  c.failures,
		LastFailureAt: c.lastFailureAt,
		OpenedAt:      c.openedAt,
	}
	if err := r.opts.Store.SaveCircuit(ctx, snap); err != nil {
		r.log.Warn().Err(err).Str("endpoint", endpoint).Msg("circuit persist failed")
	}
}

// countsAsFailure reports whether err indicates upstream trouble
// NotFound and caller cancellation never trip a circuit
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch perr.CodeOf(err) {
	case perr.ErrorCodeNotFound, perr.ErrorCodeInvalidArgument, perr.ErrorCodeValidation:
		return false
	}
	return true
}

// IsOpen reports whether err came from an open circuit rejection
func IsOpen(err error) bool {
	return perr.IsCode(err, perr.ErrorCodeCircuitOpen)
}
