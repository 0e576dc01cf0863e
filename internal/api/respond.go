// Package api is the HTTP dispatcher: routing, middleware, and the
// translation of domain errors into transport responses. Errors are
// mapped to status codes exactly once, here; handlers and services
// below this layer never pick status codes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mindgauge/backend/internal/domain"
)

type requestIDKey struct{}

// RequestIDFrom returns the request id the middleware assigned, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// errorBody is the error envelope. Error carries the stable message key
// clients switch on; Detail is human-readable and safe to display.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// Headers are already out; an encode failure here can only be logged
	// by the caller's wrapper, not reported to the client.
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its transport status. An explicit
// Status on the error overrides the kind default (422 variants of
// validation failures use this).
func statusFor(e *domain.Error) int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAdmission:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the transport form of err. Server-kind errors are
// logged with the request id and answered with the generic envelope so
// internals never leak; every other kind passes its key and detail
// through unchanged.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	e := domain.AsError(err)
	status := statusFor(e)

	if e.Kind == domain.KindServer || status >= 500 {
		logger.Error("[API] request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()), "error", err)
		writeJSON(w, status, errorBody{Error: domain.KeyInternal, Detail: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: e.Key, Detail: e.Detail})
}

// decodeJSON fills dst from the request body. A syntactically broken or
// absent body is a validation failure with a stable key.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return domain.Validation(domain.KeyBadRequest, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return domain.Validation(domain.KeyBadRequest, "malformed JSON body").WithCause(err)
	}
	return nil
}
