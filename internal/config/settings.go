// Package config loads process settings from the environment and the
// optional rate-limit policy file. Settings are read once at startup and
// treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rate-limit strategy names accepted by RATE_LIMIT_STRATEGY.
const (
	StrategyTokenBucket   = "token_bucket"
	StrategySlidingWindow = "sliding_window"
	StrategyFixedWindow   = "fixed_window"
)

// Rate-limit storage backends accepted by RATE_LIMIT_STORAGE.
const (
	StorageMemory = "memory"
	StorageShared = "shared"
)

type RateLimitSettings struct {
	Enabled       bool
	Strategy      string
	DefaultLimit  int
	DefaultWindow time.Duration
	Storage       string
	PolicyFile    string
}

type Settings struct {
	Port string
	Env  string

	DatabaseURL string
	RedisURL    string

	// SecretKey signs bearer tokens. Required; startup fails without it.
	SecretKey              string
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	RevokeOnPasswordChange bool

	RateLimit RateLimitSettings

	AdminToken    string
	ServiceAPIKey string

	// APNs material is passed through to the push collaborator untouched.
	APNsKeyPath string
	APNsKeyID   string
	APNsTeamID  string
	APNsTopic   string
	PushEnabled bool
}

// Load reads Settings from the environment. JWT_SECRET_KEY wins over
// SECRET_KEY when both are set; at least one must be present.
func Load() (*Settings, error) {
	secret := getenv("JWT_SECRET_KEY", "")
	if secret == "" {
		secret = getenv("SECRET_KEY", "")
	}
	if secret == "" {
		return nil, fmt.Errorf("config: SECRET_KEY or JWT_SECRET_KEY must be set")
	}

	s := &Settings{
		Port: getenv("PORT", "8080"),
		Env:  getenv("ENV", "development"),

		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", ""),

		SecretKey:              secret,
		AccessTokenTTL:         time.Duration(getenvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,
		RefreshTokenTTL:        time.Duration(getenvInt("REFRESH_TOKEN_EXPIRE_DAYS", 7)) * 24 * time.Hour,
		RevokeOnPasswordChange: getenvBool("REVOKE_ON_PASSWORD_CHANGE", true),

		RateLimit: RateLimitSettings{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", true),
			Strategy:      getenv("RATE_LIMIT_STRATEGY", StrategyFixedWindow),
			DefaultLimit:  getenvInt("RATE_LIMIT_DEFAULT_LIMIT", 60),
			DefaultWindow: time.Duration(getenvInt("RATE_LIMIT_DEFAULT_WINDOW", 60)) * time.Second,
			Storage:       getenv("RATE_LIMIT_STORAGE", StorageMemory),
			PolicyFile:    getenv("RATE_LIMIT_POLICY_FILE", ""),
		},

		AdminToken:    getenv("ADMIN_TOKEN", ""),
		ServiceAPIKey: getenv("SERVICE_API_KEY", ""),

		APNsKeyPath: getenv("APNS_KEY_PATH", ""),
		APNsKeyID:   getenv("APNS_KEY_ID", ""),
		APNsTeamID:  getenv("APNS_TEAM_ID", ""),
		APNsTopic:   getenv("APNS_TOPIC", ""),
		PushEnabled: getenvBool("PUSH_ENABLED", false),
	}

	switch s.RateLimit.Strategy {
	case StrategyTokenBucket, StrategySlidingWindow, StrategyFixedWindow:
	default:
		return nil, fmt.Errorf("config: unknown RATE_LIMIT_STRATEGY %q", s.RateLimit.Strategy)
	}
	switch s.RateLimit.Storage {
	case StorageMemory, StorageShared:
	default:
		return nil, fmt.Errorf("config: unknown RATE_LIMIT_STORAGE %q", s.RateLimit.Storage)
	}
	if s.RateLimit.Storage == StorageShared && s.RedisURL == "" {
		return nil, fmt.Errorf("config: RATE_LIMIT_STORAGE=shared requires REDIS_URL")
	}
	if s.AccessTokenTTL <= 0 || s.RefreshTokenTTL <= 0 {
		return nil, fmt.Errorf("config: token lifetimes must be positive")
	}

	return s, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
