package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Memory is the in-process backend for single-worker deployments. One
// guarded map holds per-key state for whichever strategy is active; a
// janitor drops keys idle for a full window, which is equivalent to a
// fresh bucket under all three strategies.
type Memory struct {
	strategy Strategy
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*memoryEntry

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

type memoryEntry struct {
	touched time.Time
	window  time.Duration

	count       int
	windowStart time.Time

	stamps []time.Time

	tokens     float64
	lastRefill time.Time
}

func NewMemory(strategy Strategy, sweepEvery time.Duration, logger *slog.Logger) *Memory {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		strategy: strategy,
		logger:   logger,
		entries:  make(map[string]*memoryEntry),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go m.janitor(sweepEvery)
	return m
}

func (m *Memory) Check(_ context.Context, key string, rule Rule) (Decision, error) {
	if !rule.valid() {
		return Decision{Allowed: true}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{windowStart: now, tokens: float64(rule.Limit), lastRefill: now}
		m.entries[key] = e
	}
	e.touched = now
	e.window = rule.Window

	switch m.strategy {
	case SlidingWindow:
		return m.slidingWindow(e, now, rule), nil
	case TokenBucket:
		return m.tokenBucket(e, now, rule), nil
	default:
		return m.fixedWindow(e, now, rule), nil
	}
}

func (m *Memory) fixedWindow(e *memoryEntry, now time.Time, rule Rule) Decision {
	if now.Sub(e.windowStart) >= rule.Window {
		e.windowStart = now
		e.count = 0
	}
	resetAt := e.windowStart.Add(rule.Window)
	if e.count >= rule.Limit {
		return Decision{Limit: rule.Limit, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	e.count++
	return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - e.count, ResetAt: resetAt}
}

func (m *Memory) slidingWindow(e *memoryEntry, now time.Time, rule Rule) Decision {
	cutoff := now.Add(-rule.Window)
	kept := e.stamps[:0]
	for _, s := range e.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.stamps = kept

	if len(e.stamps) >= rule.Limit {
		resetAt := e.stamps[0].Add(rule.Window)
		return Decision{Limit: rule.Limit, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	e.stamps = append(e.stamps, now)
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(e.stamps),
		ResetAt:   e.stamps[0].Add(rule.Window),
	}
}

func (m *Memory) tokenBucket(e *memoryEntry, now time.Time, rule Rule) Decision {
	capacity := float64(rule.Limit)
	rate := capacity / rule.Window.Seconds()

	elapsed := now.Sub(e.lastRefill).Seconds()
	e.tokens = math.Min(capacity, e.tokens+elapsed*rate)
	e.lastRefill = now

	if e.tokens < 1 {
		wait := time.Duration((1 - e.tokens) / rate * float64(time.Second))
		return Decision{Limit: rule.Limit, ResetAt: now.Add(wait), RetryAfter: wait}
	}
	e.tokens--
	refill := time.Duration((capacity - e.tokens) / rate * float64(time.Second))
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: int(e.tokens),
		ResetAt:   now.Add(refill),
	}
}

// Stop halts the janitor. Safe to call more than once.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug("[RateLimit] swept idle buckets", "count", n)
			}
		}
	}
}

func (m *Memory) sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for key, e := range m.entries {
		if now.Sub(e.touched) > e.window {
			delete(m.entries, key)
			swept++
		}
	}
	return swept
}
