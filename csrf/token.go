package csrf

import (
	"time"
)

const (
	tokenKeyPrefix   = "csrf:token:"
	sessionKeyPrefix = "csrf:session:"

	kindToken        = "csrf_token"
	kindSessionIndex = "csrf_session_index"
)

// Token is the stored record behind a CSRF token value.
type Token struct {
	Value           string    `json:"value"`
	SessionID       string    `json:"session_id,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	ClientIP        string    `json:"client_ip"`
	UserAgent       string    `json:"user_agent"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	UseCount        int64     `json:"use_count"`
	Active          bool      `json:"active"`
	FingerprintHash string    `json:"fingerprint_hash"`
}

// Age returns how long ago the token was issued.
func (t *Token) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

type sessionIndexEntry struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionIndex struct {
	Tokens []sessionIndexEntry `json:"tokens"`
}

func tokenKey(value string) string {
	return tokenKeyPrefix + value
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Reason explains why a token was rejected.
type Reason string

// Validation failure reasons.
const (
	ReasonNone                Reason = ""
	ReasonMissing             Reason = "missing"
	ReasonNotFound            Reason = "not_found"
	ReasonInactive            Reason = "inactive"
	ReasonExpired             Reason = "expired"
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
	ReasonStoreError          Reason = "store_error"
)

// Result is the outcome of a token check.
type Result struct {
	Valid bool
	// Reason is empty on success.
	Reason Reason
	// RotationDue is set when a valid token is older than the rotation interval.
	RotationDue bool
	// Token is the stored record when one was found.
	Token *Token
}
