package domain

import (
	"errors"
	"fmt"
)

// ErrorKind buckets an Error for transport mapping. Handlers never map
// individual errors to status codes; they map kinds once at the boundary.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindConflict       ErrorKind = "conflict"
	KindNotFound       ErrorKind = "not_found"
	KindAdmission      ErrorKind = "admission"
	KindServer         ErrorKind = "server"
)

// Stable message keys. Clients switch on these, so they are part of the
// API contract and never change spelling.
const (
	KeyInvalidToken       = "invalid_token"
	KeyInvalidTokenType   = "invalid_token_type"
	KeyTokenRevoked       = "token_revoked"
	KeyInvalidCredentials = "invalid_credentials"
	KeyEmailTaken         = "email_already_registered"
	KeyWeakPassword       = "password_too_weak"
	KeyDisposableEmail    = "disposable_email_domain"
	KeyInvalidEmail       = "invalid_email"
	KeyResetTokenInvalid  = "reset_token_invalid"
	KeyResetThrottled     = "reset_requests_throttled"

	KeySessionInProgress = "test_already_in_progress"
	KeySessionNotFound   = "session_not_found"
	KeySessionFinished   = "session_already_finished"
	KeySessionNotOwned   = "session_not_owned"
	KeyNotAdaptive       = "session_not_adaptive"
	KeyNotFixed          = "session_not_fixed"
	KeyDuplicateAnswer   = "answer_already_submitted"
	KeyUnknownItem       = "question_not_in_session"
	KeyEmptyAnswer       = "empty_answer"
	KeyBadLatency        = "invalid_time_spent"
	KeyBadItemCount      = "invalid_question_count"
	KeyEmptyPool         = "item_pool_empty"
	KeyResultNotReady    = "result_not_ready"

	KeyRateLimited  = "rate_limit_exceeded"
	KeyForbidden    = "permission_denied"
	KeyNotFound     = "not_found"
	KeyBadRequest   = "bad_request"
	KeyConflict     = "conflict"
	KeyInternal     = "internal_error"
	KeyItemNotFound = "item_not_found"
)

// Error is the one error type that crosses package boundaries toward the
// HTTP layer. Key is machine-readable and stable; Detail is safe to show
// to the caller; the wrapped cause is for logs only.
type Error struct {
	Kind   ErrorKind
	Key    string
	Detail string

	// Status, when non-zero, overrides the kind's default HTTP status.
	Status int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Key, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Key)
}

func (e *Error) Unwrap() error { return e.cause }

// WithStatus returns a copy carrying an explicit HTTP status override.
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.Status = status
	return &c
}

// WithCause returns a copy wrapping an internal cause for logging.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

func newErr(kind ErrorKind, key, detail string) *Error {
	return &Error{Kind: kind, Key: key, Detail: detail}
}

func Validation(key, detail string) *Error     { return newErr(KindValidation, key, detail) }
func Authentication(key, detail string) *Error { return newErr(KindAuthentication, key, detail) }
func Authorization(key, detail string) *Error  { return newErr(KindAuthorization, key, detail) }
func Conflict(key, detail string) *Error       { return newErr(KindConflict, key, detail) }
func NotFoundErr(key, detail string) *Error    { return newErr(KindNotFound, key, detail) }
func Admission(key, detail string) *Error      { return newErr(KindAdmission, key, detail) }

// Internal wraps an unexpected failure. The cause stays server-side; the
// caller only ever sees the generic key.
func Internal(err error) *Error {
	return &Error{Kind: KindServer, Key: KeyInternal, Detail: "internal error", cause: err}
}

// AsError extracts a *Error from err's chain, or wraps err as internal.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal(err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
