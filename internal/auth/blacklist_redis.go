package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/resilience"
)

const blacklistKeyPrefix = "blacklist:"

// RedisBlacklist is the shared implementation for multi-worker
// deployments. Availability of the backend is not a correctness
// prerequisite: checks fail open when Redis is unreachable, and the
// degradation is logged and audited. The revocation epoch still covers
// logout-all when the blacklist is down.
type RedisBlacklist struct {
	client  *redis.Client
	breaker *resilience.Breaker
	audit   *audit.Logger
	logger  *slog.Logger

	now func() time.Time
}

func NewRedisBlacklist(client *redis.Client, breaker *resilience.Breaker, auditLog *audit.Logger, logger *slog.Logger) *RedisBlacklist {
	if breaker == nil {
		breaker = resilience.New(resilience.Config{Name: "blacklist", Logger: logger})
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBlacklist{
		client:  client,
		breaker: breaker,
		audit:   auditLog,
		logger:  logger,
		now:     time.Now,
	}
}

func (b *RedisBlacklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(b.now())
	if jti == "" || ttl <= 0 {
		return false, nil
	}
	err := b.breaker.Do(ctx, func(ctx context.Context) error {
		return b.client.Set(ctx, blacklistKeyPrefix+jti, "1", ttl).Err()
	})
	if err != nil {
		b.logger.Error("[Blacklist] revoke not recorded, shared cache unavailable",
			"jti", audit.PartialJTI(jti), "error", err)
		return false, nil
	}
	return true, nil
}

// IsRevoked fails open: a backend error reports not-revoked so an
// outage of the shared cache cannot lock every user out.
func (b *RedisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	var revoked bool
	err := b.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := b.client.Get(ctx, blacklistKeyPrefix+jti).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		b.logger.Warn("[Blacklist] check degraded, failing open",
			"jti", audit.PartialJTI(jti), "error", err)
		b.audit.Record(ctx, audit.Entry{
			Event:  audit.EventDegradedCheck,
			Detail: audit.PartialJTI(jti),
		})
		return false, nil
	}
	return revoked, nil
}
