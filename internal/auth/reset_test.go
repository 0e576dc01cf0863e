package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/domain"
)

func TestNewResetTokenIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		tok, err := NewResetToken()
		require.NoError(t, err)
		assert.Len(t, tok, 43, "32 random bytes, base64url without padding")
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestResetThrottleLimitsPerEmail(t *testing.T) {
	th := NewResetThrottle()

	for i := 0; i < 3; i++ {
		assert.NoError(t, th.Allow("frank@example.com"), "request %d", i+1)
	}
	err := th.Allow("frank@example.com")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindAdmission))
	assert.Equal(t, domain.KeyResetThrottled, domain.AsError(err).Key)

	// Another address is unaffected.
	assert.NoError(t, th.Allow("grace@example.com"))
}

func TestResetThrottleNilSafe(t *testing.T) {
	var th *ResetThrottle
	assert.NoError(t, th.Allow("anyone@example.com"))
}
