package security

import (
	"context"
	"log/slog"
	"time"
)

// Auditor writes security audit records with hashed identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	RequestID string
	SessionID string
	UserID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. Session and user identifiers are hashed.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"request_id", event.RequestID,
		"session_id_hash", HashForLogging(event.SessionID),
		"user_id_hash", HashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCSRFTokenIssued logs issuance or rotation of a CSRF token.
func (a *Auditor) LogCSRFTokenIssued(ctx context.Context, sessionID, userID, ip string, rotated bool) {
	eventType := EventCSRFTokenIssued
	if rotated {
		eventType = EventCSRFTokenRotated
	}
	a.LogEvent(ctx, Event{
		Type:      eventType,
		SessionID: sessionID,
		UserID:    userID,
		IPAddress: ip,
	})
}

// LogCSRFTokenInvalidated logs removal of a single token.
func (a *Auditor) LogCSRFTokenInvalidated(ctx context.Context, sessionID, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventCSRFTokenInvalidated,
		SessionID: sessionID,
		Details:   map[string]any{"reason": reason},
	})
}

// LogCSRFSessionCleared logs removal of every token bound to a session.
func (a *Auditor) LogCSRFSessionCleared(ctx context.Context, sessionID string, removed int) {
	a.LogEvent(ctx, Event{
		Type:      EventCSRFSessionCleared,
		SessionID: sessionID,
		Details:   map[string]any{"removed": removed},
	})
}

// LogSessionRegenerated logs a session id replacement.
func (a *Auditor) LogSessionRegenerated(ctx context.Context, oldSessionID, newSessionID, userID, ip string) {
	a.LogEvent(ctx, Event{
		Type:      EventSessionRegenerated,
		SessionID: newSessionID,
		UserID:    userID,
		IPAddress: ip,
		Details:   map[string]any{"previous_session_hash": HashForLogging(oldSessionID)},
	})
}

// LogSessionInvalidated logs fingerprint invalidation for a session.
func (a *Auditor) LogSessionInvalidated(ctx context.Context, sessionID, userID, ip string, risk float64) {
	a.LogEvent(ctx, Event{
		Type:      EventSessionInvalidated,
		SessionID: sessionID,
		UserID:    userID,
		IPAddress: ip,
		Details:   map[string]any{"risk": risk},
	})
}

// LogIPBlocked logs a containment block.
func (a *Auditor) LogIPBlocked(ctx context.Context, ip, reason string, duration time.Duration) {
	a.LogEvent(ctx, Event{
		Type:      EventIPBlocked,
		IPAddress: ip,
		Details:   map[string]any{"reason": reason, "duration": duration.String()},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ip, category string, violations int64) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ip,
		Details:   map[string]any{"category": category, "violations": violations},
	})
}
