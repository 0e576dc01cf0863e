// Package auth implements the authentication gateway: bearer tokens, the
// token blacklist, password handling, and the reset flow. HTTP concerns
// stay in the api package; everything here speaks domain errors.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mindgauge/backend/internal/domain"
)

// Token types. Access tokens authenticate requests; refresh tokens may
// only be exchanged for a new pair.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims carried inside a bearer token. RegisteredClaims supplies jti
// (ID), iat, and exp.
type Claims struct {
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is the issuance result returned by login, register, and
// refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Tokens signs and parses bearer tokens with HS256. The secret comes
// from the environment and has no default.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

func NewTokens(secret string, accessTTL, refreshTTL time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: token secret must not be empty")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("auth: token lifetimes must be positive")
	}
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// IssuePair mints a fresh access + refresh token, each with its own jti.
func (t *Tokens) IssuePair(userID int64, email string) (*TokenPair, error) {
	access, err := t.issue(userID, email, TokenTypeAccess, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.issue(userID, "", TokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

func (t *Tokens) issue(userID int64, email, typ string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := &Claims{
		UserID: userID,
		Type:   typ,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry and returns the claims. Any
// failure collapses to the same authentication error; the caller does
// not learn why a token was rejected.
func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return t.now() }),
	)
	if err != nil || !token.Valid {
		return nil, domain.Authentication(domain.KeyInvalidToken, "invalid or expired token").WithCause(err)
	}
	return claims, nil
}
