package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Blacklist stores revoked token ids until their natural expiry. Both
// implementations treat an already-expired token as a no-op revoke.
type Blacklist interface {
	// Revoke records the jti until expiresAt. recorded is false when the
	// entry was not stored (expired token, or a degraded backend).
	Revoke(ctx context.Context, jti string, expiresAt time.Time) (recorded bool, err error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryBlacklist is the single-worker implementation: a guarded map
// with a janitor sweeping expired entries.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger

	now func() time.Time
}

func NewMemoryBlacklist(sweepEvery time.Duration, logger *slog.Logger) *MemoryBlacklist {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBlacklist{
		entries: make(map[string]time.Time),
		stop:    make(chan struct{}),
		logger:  logger,
		now:     time.Now,
	}
	go b.janitor(sweepEvery)
	return b
}

func (b *MemoryBlacklist) Revoke(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" || !expiresAt.After(b.now()) {
		return false, nil
	}
	b.mu.Lock()
	b.entries[jti] = expiresAt
	b.mu.Unlock()
	return true, nil
}

func (b *MemoryBlacklist) IsRevoked(_ context.Context, jti string) (bool, error) {
	b.mu.RLock()
	exp, ok := b.entries[jti]
	b.mu.RUnlock()
	return ok && exp.After(b.now()), nil
}

// Stop halts the janitor. Safe to call more than once.
func (b *MemoryBlacklist) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *MemoryBlacklist) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if n := b.sweep(); n > 0 {
				b.logger.Debug("[Blacklist] swept expired entries", "count", n)
			}
		}
	}
}

func (b *MemoryBlacklist) sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	swept := 0
	for jti, exp := range b.entries {
		if !exp.After(now) {
			delete(b.entries, jti)
			swept++
		}
	}
	return swept
}
