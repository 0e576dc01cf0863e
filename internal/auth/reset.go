package auth

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/mindgauge/backend/internal/domain"
)

// NewResetToken returns the URL-safe base64 encoding of 32 random bytes.
func NewResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.Internal(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ResetThrottle caps reset requests per email across sliding windows so
// the mail pipeline cannot be used to flood an address.
type ResetThrottle struct {
	limiter *catrate.Limiter
}

// NewResetThrottle allows 3 requests per hour and 10 per day per email.
func NewResetThrottle() *ResetThrottle {
	return &ResetThrottle{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Hour:      3,
			24 * time.Hour: 10,
		}),
	}
}

// Allow registers one request for the email. The error carries the next
// admission time in its detail-free form; callers decide whether the
// throttle is surfaced or converted to the generic reset response.
func (t *ResetThrottle) Allow(email string) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	if _, ok := t.limiter.Allow(email); !ok {
		return domain.Admission(domain.KeyResetThrottled, "too many reset requests")
	}
	return nil
}
