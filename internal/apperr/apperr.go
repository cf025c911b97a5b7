package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for propagation and HTTP mapping.
type Kind string

const (
	KindValidation   Kind = "validation"        // malformed request/payload, 400, not retried
	KindAuth         Kind = "auth"              // bad/missing signature, 401, not retried
	KindNotFound     Kind = "not_found"         // unknown or cross-tenant entity, 404, not retried
	KindInvalidState Kind = "invalid_state"     // illegal lifecycle transition, 409
	KindRateLimited  Kind = "rate_limited"      // admission denied, 429, caller may retry later
	KindUpstream     Kind = "upstream"          // provider API failure, retried via breaker
	KindPersistence  Kind = "persistence"       // db failure inside a processor transaction
	KindDelivery     Kind = "delivery"          // outbound webhook failure, retried per backoff
	KindConnFailed   Kind = "connection_failed" // tenant database unreachable
	KindInternal     Kind = "internal"
)

// Error carries a kind, a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the response status the API surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream, KindDelivery, KindConnFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure class is worth retrying.
// Rate limiting is deliberately excluded: the limiter never retries on the
// caller's behalf.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindPersistence, KindDelivery:
		return true
	default:
		return false
	}
}
