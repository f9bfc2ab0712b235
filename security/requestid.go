package security

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type (
	requestIDContextKey struct{}
	sessionIDContextKey struct{}
)

// RequestIDHeader is the HTTP header for request IDs
const RequestIDHeader = "X-Request-ID"

// requestIDPattern accepts common upstream formats (AWS, GCP, Cloudflare) and
// rejects anything that could smuggle CRLF into a response header.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a fresh random request ID.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// WithSessionID records the resolved session id for downstream handlers.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

// GetSessionID returns the session id stored by WithSessionID.
func GetSessionID(ctx context.Context) string {
	if sid, ok := ctx.Value(sessionIDContextKey{}).(string); ok {
		return sid
	}
	return ""
}

func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

// EnsureRequestID keeps a valid upstream request ID or generates one, echoes it
// on the response and returns the request carrying it on its context.
func EnsureRequestID(w http.ResponseWriter, r *http.Request) (*http.Request, string) {
	if id := GetRequestID(r.Context()); id != "" {
		return r, id
	}

	requestID := r.Header.Get(RequestIDHeader)
	if !isValidRequestID(requestID) {
		requestID = GenerateRequestID()
	}

	w.Header().Set(RequestIDHeader, requestID)
	return r.WithContext(WithRequestID(r.Context(), requestID)), requestID
}

// RequestIDMiddleware is HTTP middleware that generates and propagates request IDs.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = EnsureRequestID(w, r)
		next.ServeHTTP(w, r)
	})
}
