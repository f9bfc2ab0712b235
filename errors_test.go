package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors(t *testing.T) {
	cause := errors.New("store unavailable")
	tests := []struct {
		name   string
		err    *Error
		kind   ErrorKind
		status int
	}{
		{"rate limit", ErrRateLimitExceeded(time.Second), KindRateLimitExceeded, http.StatusTooManyRequests},
		{"ip blocked", ErrIPBlocked(time.Minute), KindIPBlocked, http.StatusForbidden},
		{"csrf", ErrCSRFValidationFailed(), KindCSRFValidationFailed, http.StatusForbidden},
		{"session anomaly", ErrSessionAnomalyDetected(), KindSessionAnomalyDetected, http.StatusUnauthorized},
		{"invalid input", ErrInvalidInput(cause), KindInvalidInput, http.StatusBadRequest},
		{"internal", ErrInternalSecurityFault(cause), KindInternalSecurityFault, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("store unavailable")
	err := fmt.Errorf("check failed: %w", ErrInternalSecurityFault(cause))

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "store unavailable")

	e := AsError(err)
	assert.Equal(t, KindInternalSecurityFault, e.Kind)

	plain := AsError(cause)
	assert.Equal(t, http.StatusInternalServerError, plain.Status)
	assert.ErrorIs(t, plain, cause)
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, ErrRateLimitExceeded(1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.NotEmpty(t, body["error_description"])
}

func TestWriteError_HidesCause(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, ErrInternalSecurityFault(errors.New("redis: connection refused at 10.0.0.5")))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, rr.Header().Get("Retry-After"))
	assert.NotContains(t, rr.Body.String(), "redis")
	assert.NotContains(t, rr.Body.String(), "10.0.0.5")
}
