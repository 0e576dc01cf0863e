// Package ratelimit is the request-admission layer: strategy
// implementations over in-process and shared state, per-endpoint
// policies, and the trusted derivation of the client key. The HTTP
// middleware in the api package owns headers, the 429 body, and the
// fail-open handling around Check errors.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Strategy selects the admission algorithm. Fixed at process start.
type Strategy string

const (
	TokenBucket   Strategy = "token_bucket"
	SlidingWindow Strategy = "sliding_window"
	FixedWindow   Strategy = "fixed_window"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case TokenBucket, SlidingWindow, FixedWindow:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("ratelimit: unknown strategy %q", s)
}

// Rule is one admission budget: Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) valid() bool { return r.Limit > 0 && r.Window > 0 }

// Decision is the outcome of an admission check. RetryAfter is set only
// on denial.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is the admission check. Implementations return an error only
// for backend failures; the caller fails open on error.
type Limiter interface {
	Check(ctx context.Context, key string, rule Rule) (Decision, error)
}

// BucketKey joins the policy scope with the client identity. Budgets
// are independent per scope, shared across paths within one.
func BucketKey(scope, client string) string {
	return scope + "|" + client
}
