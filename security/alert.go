package security

import "context"

// Alert severities shared by the guards and the threat monitor.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is a request to raise an operator alert.
type Alert struct {
	Type      string
	Severity  string
	Title     string
	Message   string
	IPAddress string
	SessionID string
	UserID    string
	Details   map[string]any
}

// Alerter raises alerts on behalf of a guard. Implementations apply their own
// cooldowns; callers treat failures as non-fatal.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, alert Alert) error

// Alert implements Alerter.
func (f AlerterFunc) Alert(ctx context.Context, alert Alert) error { return f(ctx, alert) }
