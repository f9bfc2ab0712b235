package fingerprint

import (
	"time"

	"github.com/giantswarm/oauth-guard/security"
)

// Severity grades an anomaly.
type Severity string

// Anomaly severities.
const (
	SeverityLow      Severity = security.SeverityLow
	SeverityMedium   Severity = security.SeverityMedium
	SeverityHigh     Severity = security.SeverityHigh
	SeverityCritical Severity = security.SeverityCritical
)

// Weight is the multiplier a severity contributes to overall risk.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.2
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.8
	case SeverityCritical:
		return 1.0
	}
	return 0
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AnomalyType identifies the detector that produced an anomaly.
type AnomalyType string

// Anomaly types.
const (
	AnomalyLocationChange   AnomalyType = "location_change"
	AnomalyUserAgentChange  AnomalyType = "user_agent_change"
	AnomalyIPChange         AnomalyType = "ip_change"
	AnomalyImpossibleTravel AnomalyType = "impossible_travel"
	AnomalyBehavioral       AnomalyType = "behavioral"
)

// Anomaly is one detector finding for a session.
type Anomaly struct {
	Type        AnomalyType
	Severity    Severity
	Confidence  float64
	Risk        float64
	Description string
	DetectedAt  time.Time
}

// OverallRisk sums risk x severity weight x confidence over anomalies,
// clamped to [0, 1].
func OverallRisk(anomalies []Anomaly) float64 {
	var risk float64
	for _, a := range anomalies {
		risk += clamp(a.Risk) * a.Severity.Weight() * clamp(a.Confidence)
	}
	return clamp(risk)
}

// State is the trust state of a session after validation.
type State string

// Session trust states.
const (
	StateTrusted        State = "trusted"
	StateAnomalyFlagged State = "anomaly_flagged"
	StateRequireReauth  State = "require_reauth"
	StateInvalidated    State = "invalidated"
)

// Result is the outcome of validating a request against its session.
type Result struct {
	Valid     bool
	Risk      float64
	Anomalies []Anomaly
	State     State
	// FirstSeen is set when no fingerprint existed and one was created.
	FirstSeen bool
	// Fingerprint is the stored fingerprint of record.
	Fingerprint *Fingerprint
}

// MaxSeverity returns the highest anomaly severity, or "" without anomalies.
func (r *Result) MaxSeverity() Severity {
	var highest Severity
	for _, a := range r.Anomalies {
		if a.Severity.rank() > highest.rank() {
			highest = a.Severity
		}
	}
	return highest
}

// HasSevere reports whether any anomaly is high or critical.
func (r *Result) HasSevere() bool {
	return r.MaxSeverity().rank() >= SeverityHigh.rank()
}

func classify(risk, threshold float64, anomalies []Anomaly) State {
	if len(anomalies) == 0 {
		return StateTrusted
	}
	if risk < threshold {
		return StateAnomalyFlagged
	}
	for _, a := range anomalies {
		if a.Severity == SeverityCritical {
			return StateInvalidated
		}
	}
	return StateRequireReauth
}
