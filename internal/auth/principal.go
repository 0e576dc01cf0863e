package auth

import (
	"context"
	"time"

	"github.com/mindgauge/backend/internal/domain"
)

// Principal is the identity a validated token resolves to. The handler
// middleware stashes one on the request context.
type Principal struct {
	UserID    int64
	Email     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time

	User *domain.User
}

type principalKey struct{}

// WithPrincipal binds a principal to the context for downstream handlers.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
