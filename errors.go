package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-guard/security"
)

// ErrorKind classifies a pipeline rejection.
type ErrorKind string

// Pipeline error kinds. Each maps to a fixed HTTP status.
const (
	KindRateLimitExceeded      ErrorKind = "rate_limit_exceeded"
	KindIPBlocked              ErrorKind = "ip_blocked"
	KindCSRFValidationFailed   ErrorKind = "csrf_validation_failed"
	KindSessionAnomalyDetected ErrorKind = "session_anomaly_detected"
	KindInvalidInput           ErrorKind = "invalid_input"
	KindInternalSecurityFault  ErrorKind = "internal_security_fault"
)

// Error is a request rejected by the pipeline. Message is safe to show to
// clients; Err carries the internal cause and is never written to a response.
type Error struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrRateLimitExceeded rejects a request over its rate budget.
func ErrRateLimitExceeded(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
	}
}

// ErrIPBlocked rejects a request from a temporarily blocked address.
func ErrIPBlocked(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindIPBlocked,
		Status:     http.StatusForbidden,
		Message:    "Access denied.",
		RetryAfter: retryAfter,
	}
}

// ErrCSRFValidationFailed rejects a mutating request without a valid token.
func ErrCSRFValidationFailed() *Error {
	return &Error{
		Kind:    KindCSRFValidationFailed,
		Status:  http.StatusForbidden,
		Message: "Request validation failed.",
	}
}

// ErrSessionAnomalyDetected rejects a request whose session looks hijacked.
func ErrSessionAnomalyDetected() *Error {
	return &Error{
		Kind:    KindSessionAnomalyDetected,
		Status:  http.StatusUnauthorized,
		Message: "Session verification failed. Please sign in again.",
	}
}

// ErrInvalidInput rejects a request that failed input validation.
func ErrInvalidInput(cause error) *Error {
	return &Error{
		Kind:    KindInvalidInput,
		Status:  http.StatusBadRequest,
		Message: "Invalid request parameters.",
		Err:     cause,
	}
}

// ErrInternalSecurityFault fails a request closed when a security check could not complete.
func ErrInternalSecurityFault(cause error) *Error {
	return &Error{
		Kind:    KindInternalSecurityFault,
		Status:  http.StatusInternalServerError,
		Message: "An internal error occurred.",
		Err:     cause,
	}
}

// AsError returns err as a pipeline *Error, mapping anything else to an
// internal fault.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternalSecurityFault(err)
}

// WriteError writes e as a generic JSON error body.
func WriteError(w http.ResponseWriter, e *Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(security.RetryAfterSeconds(e.RetryAfter)))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             string(e.Kind),
		"error_description": e.Message,
	})
}
