package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mindgauge/backend/internal/api"
	"github.com/mindgauge/backend/internal/assessment"
	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/auth"
	"github.com/mindgauge/backend/internal/calibration"
	"github.com/mindgauge/backend/internal/cat"
	"github.com/mindgauge/backend/internal/config"
	"github.com/mindgauge/backend/internal/events"
	"github.com/mindgauge/backend/internal/metrics"
	"github.com/mindgauge/backend/internal/notify"
	"github.com/mindgauge/backend/internal/ratelimit"
	"github.com/mindgauge/backend/internal/store"
)

// storage is the union of the persistence surfaces the wiring hands
// out. *store.Memory and *store.Postgres both satisfy it.
type storage interface {
	api.Store
	assessment.Store
	auth.UserStore
	notify.UserSource
	calibration.ResponseSource
	calibration.ScoreSource
	calibration.MetricSink
	audit.EventSink
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx := context.Background()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("[Main] redis unreachable at startup, degraded paths fail open", "error", err)
		}
	}

	m := metrics.New(nil)
	auditLog := audit.NewLogger(st, logger)

	tokens, err := auth.NewTokens(cfg.SecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		log.Fatalf("Failed to build token signer: %v", err)
	}

	var blacklist auth.Blacklist
	if redisClient != nil {
		blacklist = auth.NewRedisBlacklist(redisClient, nil, auditLog, logger)
	} else {
		mb := auth.NewMemoryBlacklist(time.Minute, logger)
		defer mb.Stop()
		blacklist = mb
	}

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:                  st,
		Tokens:                 tokens,
		Blacklist:              blacklist,
		Throttle:               auth.NewResetThrottle(),
		Mailer:                 logResetMailer{logger: logger},
		Audit:                  auditLog,
		Logger:                 logger,
		RevokeOnPasswordChange: cfg.RevokeOnPasswordChange,
	})

	bus := events.NewBus(64, logger)
	defer bus.Close()

	stopWatching := m.WatchBus(bus)
	defer stopWatching()

	tests, err := assessment.NewService(assessment.Config{
		Store:  st,
		Engine: cat.NewEngine(cat.DefaultConfig()),
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to build assessment service: %v", err)
	}

	reliability := calibration.NewReliabilityService(st, st, st, calibration.DefaultConfig(), logger)

	var pusher notify.Pusher
	if cfg.PushEnabled {
		// Delivery is a collaborator concern; without APNs material the
		// log pusher stands in so the rest of the path stays exercised.
		pusher = notify.LogPusher{Logger: logger}
		logger.Info("[Main] push channel enabled", "topic", cfg.APNsTopic, "key_configured", cfg.APNsKeyPath != "")
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Users:  st,
		Pusher: pusher,
		Mailer: notify.LogMailer{Logger: logger},
		Logger: logger,
	})
	dispatcher.Start(bus)
	defer dispatcher.Stop()

	limiter, policy, err := buildAdmission(cfg, redisClient, logger)
	if err != nil {
		log.Fatalf("Failed to build rate limiter: %v", err)
	}

	server, err := api.NewServer(api.Config{
		Auth:             authSvc,
		Tests:            tests,
		Reliability:      reliability,
		Store:            st,
		Audit:            auditLog,
		Metrics:          m,
		Logger:           logger,
		Limiter:          limiter,
		Policy:           policy,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		AdminToken:       cfg.AdminToken,
	})
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	// Graceful shutdown (the platform sends SIGTERM).
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(":" + cfg.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	log.Println("Server stopped")
}

// newLogger picks the handler for the environment: structured JSON in
// production, readable text everywhere else.
func newLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openStore connects Postgres when DATABASE_URL is set and falls back
// to the in-memory store otherwise. The close func is a no-op for the
// memory store.
func openStore(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (storage, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("[Main] DATABASE_URL not set, using in-memory store; data will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Error("[Main] closing store", "error", err)
		}
	}, nil
}

// buildAdmission assembles the limiter backend and the policy table.
// Shared storage rides the Redis client; the policy file overrides the
// built-in table when configured.
func buildAdmission(cfg *config.Settings, redisClient *redis.Client, logger *slog.Logger) (ratelimit.Limiter, *ratelimit.Policy, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil, nil
	}

	strategy := ratelimit.Strategy(cfg.RateLimit.Strategy)
	def := ratelimit.Rule{Limit: cfg.RateLimit.DefaultLimit, Window: cfg.RateLimit.DefaultWindow}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Storage == config.StorageShared {
		limiter = ratelimit.NewRedis(redisClient, strategy, logger)
	} else {
		limiter = ratelimit.NewMemory(strategy, time.Minute, logger)
	}

	if cfg.RateLimit.PolicyFile != "" {
		policy, err := ratelimit.LoadPolicyFile(cfg.RateLimit.PolicyFile, def)
		if err != nil {
			return nil, nil, err
		}
		return limiter, policy, nil
	}
	return limiter, ratelimit.DefaultPolicy(def), nil
}

// logResetMailer logs reset requests instead of sending mail. The token
// prefix is enough to correlate with the audit trail without putting a
// usable credential in the logs.
type logResetMailer struct {
	logger *slog.Logger
}

func (m logResetMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8] + "..."
	}
	m.logger.Info("[Mailer] password reset (log only)",
		"email", audit.MaskEmail(email), "token_prefix", prefix)
	return nil
}
