// Package audit records security-relevant events. Recording never fails
// upward: a persistence outage degrades to structured logging so an audit
// problem can not break authentication or a request in flight.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mindgauge/backend/internal/domain"
)

// Event names. The forensic admin endpoints query the persisted log by
// these names, so they are part of the stored contract.
const (
	EventLoginSuccess     = "login_success"
	EventLoginFailure     = "login_failure"
	EventTokenInvalid     = "token_validation_failed"
	EventTokenRevoked     = "token_revoked"
	EventLogoutAll        = "logout_all"
	EventPermissionDenied = "permission_denied"
	EventRateLimited      = "rate_limit_exceeded"
	EventResetInitiated   = "password_reset_initiated"
	EventResetCompleted   = "password_reset_completed"
	EventResetFailed      = "password_reset_failed"
	EventPasswordChanged  = "password_changed"
	EventAccountCreated   = "account_created"
	EventAccountDeleted   = "account_deleted"
	EventDegradedCheck    = "blacklist_check_degraded"
)

// Entry is one security event. Email is masked before it is stored or
// logged; pass the raw address and let the logger mask it.
type Entry struct {
	Event     string
	UserID    *int64
	Email     string
	IP        string
	RequestID string
	Detail    string
}

// EventSink persists entries. *store.Memory and *store.Postgres satisfy it.
type EventSink interface {
	AppendSecurityEvent(ctx context.Context, e *domain.SecurityEvent) error
}

// Logger writes audit entries to the sink and to the process log.
type Logger struct {
	sink   EventSink
	logger *slog.Logger

	now func() time.Time
}

// NewLogger builds an audit logger. A nil sink is allowed: entries are
// then log-only, which is how tests and sink-less deployments run.
func NewLogger(sink EventSink, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{sink: sink, logger: logger, now: time.Now}
}

// Record stores and logs one entry. It never returns and never panics;
// sink failures are logged and dropped.
func (l *Logger) Record(ctx context.Context, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("[Audit] recorder panicked", "event", e.Event, "panic", r)
		}
	}()

	masked := MaskEmail(e.Email)
	l.logger.Info("[Audit] "+e.Event,
		"user_id", e.UserID, "email", masked, "ip", e.IP,
		"request_id", e.RequestID, "detail", e.Detail)

	if l.sink == nil {
		return
	}
	ev := &domain.SecurityEvent{
		Event:     e.Event,
		UserID:    e.UserID,
		Email:     masked,
		IP:        e.IP,
		RequestID: e.RequestID,
		Detail:    e.Detail,
		CreatedAt: l.now().UTC(),
	}
	if err := l.sink.AppendSecurityEvent(ctx, ev); err != nil {
		l.logger.Warn("[Audit] persist failed, event logged only",
			"event", e.Event, "error", err)
	}
}

// MaskEmail hides the local part except its first rune: a***@example.com.
// Empty input stays empty.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// PartialJTI returns a loggable prefix of a token id. Full jtis stay out
// of the logs.
func PartialJTI(jti string) string {
	if len(jti) <= 8 {
		return jti
	}
	return jti[:8] + "..."
}
