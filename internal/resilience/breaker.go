// Package resilience wraps flaky collaborators (shared cache, push, mail)
// in a circuit breaker so a dependency outage degrades the feature instead
// of stalling every request on timeouts.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without invoking the call while the breaker is open.
	ErrOpen = errors.New("resilience: circuit open")
	// ErrTooManyCalls limits probing while half-open.
	ErrTooManyCalls = errors.New("resilience: too many calls in half-open state")
)

// Counts accumulates call outcomes within the current generation.
type Counts struct {
	Calls                int
	Successes            int
	Failures             int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
}

// FailureRatio of the current generation; 0 with no calls.
func (c Counts) FailureRatio() float64 {
	if c.Calls == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Calls)
}

func (c *Counts) onSuccess() {
	c.Calls++
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Calls++
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes a Breaker. Zero values pick the defaults noted per field.
type Config struct {
	// Name appears in state-change logs.
	Name string
	// MaxCalls caps concurrent probes while half-open (default 1); that
	// many consecutive successes close the breaker again.
	MaxCalls int
	// Interval clears closed-state counts so old failures age out
	// (default 60s).
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	// (default 30s).
	Timeout time.Duration
	// ReadyToTrip decides when a closed breaker opens. Default trips on
	// 5 consecutive failures.
	ReadyToTrip func(Counts) bool
	// Logger receives state transitions.
	Logger *slog.Logger
}

// Breaker is a mutex-guarded circuit breaker. Generations make results
// from before a state change harmless: a late failure from an earlier
// generation is ignored instead of re-tripping a recovered circuit.
type Breaker struct {
	name        string
	maxCalls    int
	interval    time.Duration
	timeout     time.Duration
	readyToTrip func(Counts) bool
	logger      *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time

	now func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Breaker{
		name:        cfg.Name,
		maxCalls:    cfg.MaxCalls,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		readyToTrip: cfg.ReadyToTrip,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	b.toNewGeneration(b.now())
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, advancing open → half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(b.now())
	return s
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn under the breaker. While open it returns ErrOpen without
// calling fn; fn's own error is passed through and counted.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn(ctx)
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, gen := b.currentState(now)
	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.counts.Calls >= b.maxCalls:
		return gen, ErrTooManyCalls
	}
	b.counts.Calls++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if gen != current {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.maxCalls {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.readyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)
	b.logger.Warn("[Breaker] state change",
		"name", b.name, "from", prev.String(), "to", state.String())
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.interval)
	case StateOpen:
		b.expiry = now.Add(b.timeout)
	default:
		b.expiry = time.Time{}
	}
}
