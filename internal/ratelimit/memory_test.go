package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryLimiter(t *testing.T, strategy Strategy) (*Memory, func(time.Time)) {
	t.Helper()
	m := NewMemory(strategy, time.Hour, testLogger())
	t.Cleanup(m.Stop)
	setClock := func(at time.Time) {
		m.now = func() time.Time { return at }
	}
	return m, setClock
}

func TestMemoryFixedWindow(t *testing.T) {
	m, setClock := memoryLimiter(t, FixedWindow)
	ctx := context.Background()
	rule := Rule{Limit: 3, Window: time.Minute}
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	setClock(start)

	for want := 2; want >= 0; want-- {
		d, err := m.Check(ctx, "k", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, want, d.Remaining)
		assert.Equal(t, start.Add(time.Minute), d.ResetAt)
	}

	d, err := m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// A fresh window opens once the old one lapses.
	setClock(start.Add(61 * time.Second))
	d, err = m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestMemorySlidingWindow(t *testing.T) {
	m, setClock := memoryLimiter(t, SlidingWindow)
	ctx := context.Background()
	rule := Rule{Limit: 3, Window: time.Minute}
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		setClock(start.Add(offset))
		d, err := m.Check(ctx, "k", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "offset %s", offset)
	}

	setClock(start.Add(30 * time.Second))
	d, err := m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter, "blocked until the oldest stamp leaves the window")
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)

	// 61s in: the first stamp has left, the next request slides in.
	setClock(start.Add(61 * time.Second))
	d, err = m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Full again: stamps at 10s, 20s, 61s.
	d, err = m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 9*time.Second, d.RetryAfter)
}

func TestMemoryTokenBucket(t *testing.T) {
	m, setClock := memoryLimiter(t, TokenBucket)
	ctx := context.Background()
	rule := Rule{Limit: 6, Window: time.Minute} // refills at 0.1 tokens/s
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	setClock(start)

	// A full bucket absorbs a burst of the whole limit.
	for i := 0; i < 6; i++ {
		d, err := m.Check(ctx, "k", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "burst request %d", i+1)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter, "one token refills in window/limit seconds")

	// One token back after 10s; a second request still has to wait.
	setClock(start.Add(10 * time.Second))
	d, err = m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = m.Check(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m, setClock := memoryLimiter(t, FixedWindow)
	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Minute}
	setClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))

	d, err := m.Check(ctx, "default|ip:198.51.100.7", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = m.Check(ctx, "default|ip:198.51.100.7", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = m.Check(ctx, "default|ip:198.51.100.8", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Same client, different scope: separate budget.
	d, err = m.Check(ctx, "/v1/auth/login|ip:198.51.100.7", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemorySweepDropsIdleBuckets(t *testing.T) {
	m, setClock := memoryLimiter(t, FixedWindow)
	ctx := context.Background()
	rule := Rule{Limit: 3, Window: time.Minute}
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	setClock(start)

	_, err := m.Check(ctx, "k", rule)
	require.NoError(t, err)

	setClock(start.Add(2 * time.Minute))
	assert.Equal(t, 1, m.sweep())

	m.mu.Lock()
	assert.Empty(t, m.entries)
	m.mu.Unlock()
}

func TestMemoryZeroRuleAdmits(t *testing.T) {
	m, _ := memoryLimiter(t, FixedWindow)
	d, err := m.Check(context.Background(), "k", Rule{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
