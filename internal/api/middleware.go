package api

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/auth"
	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/ratelimit"
)

// requestID assigns every request a correlation id, echoed back in
// X-Request-ID and attached to error logs and audit entries. A sane
// inbound id is honored so edge proxies can correlate end to end.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordRequest(r.Method, routeLabel(r), rec.status, elapsed.Seconds())
		}
		s.logger.Info("[API] "+r.Method+" "+r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", RequestIDFrom(r.Context()))
	})
}

// routeLabel is the metrics label for the matched route: the path
// template, so ids do not explode label cardinality.
func routeLabel(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil && tpl != "" {
			return tpl
		}
	}
	return r.URL.Path
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

// authed requires a valid access token and stashes the resolved
// principal on the context for the wrapped handler.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			s.countAuthFailure("missing_token")
			respondError(w, r, s.logger, domain.Authentication(domain.KeyInvalidToken, "missing bearer token"))
			return
		}
		p, err := s.auth.ValidateToken(r.Context(), raw, auth.TokenTypeAccess)
		if err != nil {
			s.countAuthFailure(domain.AsError(err).Key)
			respondError(w, r, s.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) countAuthFailure(reason string) {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(reason)
	}
}

// adminOnly gates the operational surface behind the shared admin
// token. An unconfigured token disables the surface entirely.
func (s *Server) adminOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			respondError(w, r, s.logger, domain.Authorization(domain.KeyForbidden, "admin surface is not configured"))
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			s.audit.Record(r.Context(), audit.Entry{
				Event:     audit.EventPermissionDenied,
				IP:        ratelimit.TrustedIP(r),
				RequestID: RequestIDFrom(r.Context()),
				Detail:    "admin token mismatch on " + r.URL.Path,
			})
			respondError(w, r, s.logger, domain.Authorization(domain.KeyForbidden, "invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limited applies the admission policy for the request path. The client
// key is the user id once authenticated, otherwise the trusted
// transport address; client-forgeable headers never reach the key. A
// limiter backend failure admits the request: admission control must
// not take the API down with it.
func (s *Server) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limitOn || s.limiter == nil || s.policy == nil {
			next.ServeHTTP(w, r)
			return
		}
		scope, rule, skip := s.policy.Lookup(r.URL.Path)
		if skip {
			next.ServeHTTP(w, r)
			return
		}

		var userID int64
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			userID = p.UserID
		}
		client := ratelimit.ClientKey(r, userID)

		d, err := s.limiter.Check(r.Context(), ratelimit.BucketKey(scope, client), rule)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordRateLimitFailOpen()
			}
			s.logger.Warn("[API] rate limit check failed, admitting request",
				"scope", scope, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		setRateHeaders(w, d)
		if !d.Allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimitDenial(scope)
			}
			var uid *int64
			if userID > 0 {
				uid = &userID
			}
			s.audit.Record(r.Context(), audit.Entry{
				Event:     audit.EventRateLimited,
				UserID:    uid,
				IP:        ratelimit.TrustedIP(r),
				RequestID: RequestIDFrom(r.Context()),
				Detail:    "scope=" + scope + " path=" + r.URL.Path,
			})
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			respondError(w, r, s.logger, domain.Admission(domain.KeyRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
