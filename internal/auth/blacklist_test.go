package auth

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

func TestMemoryBlacklistRoundTrip(t *testing.T) {
	b := NewMemoryBlacklist(time.Hour, testLogger())
	defer b.Stop()
	ctx := context.Background()

	recorded, err := b.Revoke(ctx, "jti-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, recorded)

	revoked, err := b.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = b.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryBlacklistExpiredRevokeIsNoOp(t *testing.T) {
	b := NewMemoryBlacklist(time.Hour, testLogger())
	defer b.Stop()
	ctx := context.Background()

	recorded, err := b.Revoke(ctx, "jti-1", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, recorded)

	recorded, err = b.Revoke(ctx, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, recorded)

	revoked, err := b.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryBlacklistEntryLapses(t *testing.T) {
	b := NewMemoryBlacklist(time.Hour, testLogger())
	defer b.Stop()
	ctx := context.Background()

	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return start }

	recorded, err := b.Revoke(ctx, "jti-1", start.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, recorded)

	b.now = func() time.Time { return start.Add(2 * time.Minute) }

	revoked, err := b.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked, "lapsed entries read as not revoked even before the sweep")

	assert.Equal(t, 1, b.sweep())
	b.mu.RLock()
	assert.Empty(t, b.entries)
	b.mu.RUnlock()
}

func TestMemoryBlacklistJanitorSweeps(t *testing.T) {
	b := NewMemoryBlacklist(5*time.Millisecond, testLogger())
	defer b.Stop()

	b.mu.Lock()
	b.entries["stale"] = time.Now().Add(-time.Minute)
	b.mu.Unlock()

	assert.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.entries) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBlacklistStopIdempotent(t *testing.T) {
	b := NewMemoryBlacklist(time.Millisecond, testLogger())
	b.Stop()
	b.Stop()
}
