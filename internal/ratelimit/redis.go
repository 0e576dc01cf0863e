package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// Bucket hash fields for the shared token bucket.
const (
	fieldTokens   = "tokens"
	fieldRefilled = "refilled_ms"
)

// Redis is the shared backend for multi-worker deployments. Errors are
// returned to the caller, which fails open; nothing here blocks
// admission on a cache outage.
type Redis struct {
	client   *redis.Client
	strategy Strategy
	logger   *slog.Logger

	now func() time.Time
}

func NewRedis(client *redis.Client, strategy Strategy, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, strategy: strategy, logger: logger, now: time.Now}
}

func (r *Redis) Check(ctx context.Context, key string, rule Rule) (Decision, error) {
	if !rule.valid() {
		return Decision{Allowed: true}, nil
	}
	key = redisKeyPrefix + key
	switch r.strategy {
	case SlidingWindow:
		return r.slidingWindow(ctx, key, rule)
	case TokenBucket:
		return r.tokenBucket(ctx, key, rule)
	default:
		return r.fixedWindow(ctx, key, rule)
	}
}

// fixedWindow is INCR + PEXPIRE: one counter per window, approximate at
// the boundary, no locks.
func (r *Redis) fixedWindow(ctx context.Context, key string, rule Rule) (Decision, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := r.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			return Decision{}, err
		}
	}
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return Decision{}, err
	}
	if ttl <= 0 {
		// Counter without an expiry (a crash between INCR and PEXPIRE);
		// re-arm so it cannot live forever.
		ttl = rule.Window
		if err := r.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			return Decision{}, err
		}
	}
	resetAt := r.now().Add(ttl)
	if int(count) > rule.Limit {
		return Decision{Limit: rule.Limit, ResetAt: resetAt, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - int(count), ResetAt: resetAt}, nil
}

func (r *Redis) slidingWindow(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := r.now()
	cutoff := strconv.FormatInt(now.Add(-rule.Window).UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(card.Val())
	if count >= rule.Limit {
		resetAt := now.Add(rule.Window)
		if zs, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(zs) > 0 {
			resetAt = time.UnixMilli(int64(zs[0].Score)).Add(rule.Window)
		}
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Limit: rule.Limit, ResetAt: resetAt, RetryAfter: retry}, nil
	}

	// Check-then-add in two steps: concurrent requests can overshoot by
	// the in-flight count. The admission layer tolerates approximation.
	add := r.client.TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	add.PExpire(ctx, key, rule.Window)
	if _, err := add.Exec(ctx); err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - count - 1,
		ResetAt:   now.Add(rule.Window),
	}, nil
}

// tokenBucket is a read-modify-write over a small hash. Concurrent
// refills can lose a decrement; acceptable for admission.
func (r *Redis) tokenBucket(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := r.now()
	capacity := float64(rule.Limit)
	rate := capacity / rule.Window.Seconds()

	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Decision{}, err
	}
	tokens := capacity
	last := now
	if v, ok := vals[fieldTokens]; ok {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			tokens = f
		}
	}
	if v, ok := vals[fieldRefilled]; ok {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			last = time.UnixMilli(ms)
		}
	}
	if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
		tokens = math.Min(capacity, tokens+elapsed*rate)
	}

	d := Decision{Limit: rule.Limit}
	if tokens < 1 {
		wait := time.Duration((1 - tokens) / rate * float64(time.Second))
		d.ResetAt = now.Add(wait)
		d.RetryAfter = wait
	} else {
		tokens--
		d.Allowed = true
		d.Remaining = int(tokens)
		d.ResetAt = now.Add(time.Duration((capacity - tokens) / rate * float64(time.Second)))
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldTokens, strconv.FormatFloat(tokens, 'f', -1, 64),
		fieldRefilled, now.UnixMilli(),
	)
	pipe.PExpire(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}
	return d, nil
}
