package threat

import (
	"time"

	"github.com/giantswarm/oauth-guard/security"
)

// EventType classifies a security event.
type EventType string

// Event types.
const (
	EventFailedAuthentication EventType = "failed_authentication"
	EventSuspiciousUserAgent  EventType = "suspicious_user_agent"
	EventGeographicAnomaly    EventType = "geographic_anomaly"
	EventRateLimitViolation   EventType = "rate_limit_violation"
	EventInvalidParameters    EventType = "invalid_parameters"
	EventCSRFAttack           EventType = "csrf_attack"
	EventSessionHijacking     EventType = "session_hijacking"
	EventInjectionAttempt     EventType = "injection_attempt"
	EventBruteForce           EventType = "brute_force"
	EventCredentialStuffing   EventType = "credential_stuffing"
)

// DefaultEventWeights is the base risk of each event type.
func DefaultEventWeights() map[EventType]float64 {
	return map[EventType]float64{
		EventFailedAuthentication: 0.3,
		EventSuspiciousUserAgent:  0.2,
		EventGeographicAnomaly:    0.25,
		EventRateLimitViolation:   0.15,
		EventInvalidParameters:    0.1,
		EventCSRFAttack:           0.5,
		EventSessionHijacking:     0.6,
		EventInjectionAttempt:     0.6,
		EventBruteForce:           0.7,
		EventCredentialStuffing:   0.7,
	}
}

// defaultEventWeight applies to event types missing from the weight table.
const defaultEventWeight = 0.1

// Level is a coarse classification of a risk score.
type Level string

// Threat levels.
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps a risk score to a threat level.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.8:
		return LevelCritical
	case score >= 0.6:
		return LevelHigh
	case score >= 0.3:
		return LevelMedium
	}
	return LevelLow
}

// Severe reports whether the level calls for containment.
func (l Level) Severe() bool {
	return l == LevelHigh || l == LevelCritical
}

// SecurityEvent is an immutable record of something security relevant.
type SecurityEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Level       Level          `json:"level"`
	ClientIP    string         `json:"client_ip"`
	UserAgent   string         `json:"user_agent,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Country     string         `json:"country,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	RiskScore   float64        `json:"risk_score"`
	Path        string         `json:"path,omitempty"`
	Method      string         `json:"method,omitempty"`
	Actions     []string       `json:"actions,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventInput describes an event to process.
type EventInput struct {
	Type        EventType
	Description string
	ClientID    string
	UserID      string
	SessionID   string
	Details     map[string]any
}

// AlertType identifies the pattern an alert was raised for.
type AlertType string

// Alert types raised by the built-in detectors.
const (
	AlertBruteForce            AlertType = "brute_force_attack"
	AlertCredentialStuffing    AlertType = "credential_stuffing"
	AlertSuspiciousUserAgent   AlertType = "suspicious_user_agent"
	AlertGeographicAnomaly     AlertType = "geographic_anomaly"
	AlertRateAbuse             AlertType = "rate_abuse"
	AlertParameterManipulation AlertType = "parameter_manipulation"
)

// Severity grades an alert; it shares values with security.Alert severities.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = security.SeverityLow
	SeverityMedium   Severity = security.SeverityMedium
	SeverityHigh     Severity = security.SeverityHigh
	SeverityCritical Severity = security.SeverityCritical
)

// SecurityAlert is an operator-facing alert.
type SecurityAlert struct {
	ID           string         `json:"id"`
	Type         AlertType      `json:"type"`
	Severity     Severity       `json:"severity"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Events       []string       `json:"events,omitempty"`
	IncidentID   string         `json:"incident_id,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	Resolved     bool           `json:"resolved"`
	Actions      []string       `json:"actions,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	// Suppressed is set on alerts dropped by the cooldown. They are neither
	// stored nor delivered.
	Suppressed bool `json:"-"`
}

// AlertInput describes an alert to raise.
type AlertInput struct {
	Type       AlertType
	Severity   Severity
	Title      string
	Message    string
	Events     []string
	IncidentID string
	Actions    []string
	Details    map[string]any
}

// Containment actions recorded on events.
const (
	ActionIPBlocked        = "ip_blocked"
	ActionIPFlagged        = "ip_flagged"
	ActionClientFlagged    = "client_flagged"
	ActionStrictnessRaised = "rate_limit_strictness_raised"
)
