// Package notify delivers fire-and-forget side effects: the push
// notification and the result-ready email that follow a finished test.
// Deliveries drain from the event bus in background workers; each
// collaborator call runs under a circuit breaker with a timeout, and no
// failure here ever reaches the request that caused it.
package notify

import (
	"context"
	"log/slog"
	"strconv"
)

// Notification is one user-facing push message. Data rides in the
// payload for client-side routing.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Pusher delivers a push notification to a device token.
type Pusher interface {
	Push(ctx context.Context, deviceToken string, n Notification) error
}

// Mailer sends the result-ready email.
type Mailer interface {
	SendResultReady(ctx context.Context, email string, sessionID int64) error
}

// LogPusher logs instead of delivering. It stands in for APNs wherever
// real credentials are not configured.
type LogPusher struct {
	Logger *slog.Logger
}

func (p LogPusher) Push(ctx context.Context, deviceToken string, n Notification) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("[Notify] push (log only)",
		"token", shortToken(deviceToken), "title", n.Title)
	return nil
}

// LogMailer logs instead of sending.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendResultReady(ctx context.Context, email string, sessionID int64) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("[Notify] result mail (log only)",
		"email", email, "session_id", strconv.FormatInt(sessionID, 10))
	return nil
}

// shortToken keeps device tokens out of logs; the prefix is enough to
// correlate.
func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
