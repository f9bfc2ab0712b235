package security

// Audit event types emitted by the guard.
const (
	// CSRF token lifecycle

	EventCSRFTokenIssued      = "csrf_token_issued"
	EventCSRFTokenRotated     = "csrf_token_rotated"
	EventCSRFTokenInvalidated = "csrf_token_invalidated"
	EventCSRFSessionCleared   = "csrf_session_cleared"
	EventCSRFIssuanceLimited  = "csrf_issuance_rate_limited"

	// Session lifecycle

	// EventSessionRegenerated is logged when a session id is replaced after login or privilege change
	EventSessionRegenerated = "session_regenerated"

	// EventSessionInvalidated is logged when a fingerprint is discarded because risk crossed the invalidation threshold
	EventSessionInvalidated = "session_invalidated"

	// Containment

	EventIPBlocked          = "ip_blocked"
	EventStrictnessRaised   = "rate_limit_strictness_raised"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventThreatIndicatorSet = "threat_indicator_set"
)
