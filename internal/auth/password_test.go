package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/domain"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse 9")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse 9", hash)

	assert.True(t, CheckPassword(hash, "correct horse 9"))
	assert.False(t, CheckPassword(hash, "wrong horse 9"))
	assert.False(t, CheckPassword("not-a-bcrypt-hash", "correct horse 9"))
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"valid", "abcdef12", true},
		{"valid long", "a1" + strings.Repeat("x", 100), true},
		{"too short", "abc1", false},
		{"too long", "a1" + strings.Repeat("x", 127), false},
		{"no digit", "abcdefgh", false},
		{"no letter", "12345678", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			de := domain.AsError(err)
			assert.Equal(t, domain.KeyWeakPassword, de.Key)
			assert.Equal(t, 422, de.Status)
		})
	}
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("erin@example.com"))
	assert.NoError(t, ValidateEmail("  erin@example.com  "))
	assert.NoError(t, ValidateEmail("e.r+tag@sub.example.co"))

	for _, email := range []string{"", "plain", "@example.com", "erin@", "erin@nodot"} {
		err := ValidateEmail(email)
		require.Error(t, err, "email=%q", email)
		assert.Equal(t, domain.KeyInvalidEmail, domain.AsError(err).Key)
	}
}

func TestValidateEmailRejectsDisposableDomains(t *testing.T) {
	err := ValidateEmail("someone@mailinator.com")
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.KeyDisposableEmail, de.Key)
	assert.Equal(t, 422, de.Status)

	// Case-insensitive on the domain part.
	err = ValidateEmail("someone@Yopmail.COM")
	require.Error(t, err)
	assert.Equal(t, domain.KeyDisposableEmail, domain.AsError(err).Key)
}
