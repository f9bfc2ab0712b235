package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the guard
type Metrics struct {
	// Pipeline
	PipelineRequestsTotal metric.Int64Counter
	PipelineDuration      metric.Float64Histogram

	// Rate limiting
	RateLimitDenied metric.Int64Counter
	RateLimitDelay  metric.Float64Histogram

	// CSRF
	CSRFTokensIssued      metric.Int64Counter
	CSRFTokensRotated     metric.Int64Counter
	CSRFValidationFailed  metric.Int64Counter
	CSRFIssuanceThrottled metric.Int64Counter

	// Session fingerprinting
	SessionAnomalies metric.Int64Counter
	SessionRisk      metric.Float64Histogram

	// Threat monitoring
	ThreatEvents        metric.Int64Counter
	ThreatAlerts        metric.Int64Counter
	ThreatAlertsDropped metric.Int64Counter
	ContainmentActions  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageKeys              metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	pipelineMeter := inst.Meter("pipeline")
	m.PipelineRequestsTotal, err = pipelineMeter.Int64Counter(
		"guard.pipeline.requests.total",
		metric.WithDescription("Requests evaluated by the security pipeline"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline.requests.total counter: %w", err)
	}

	m.PipelineDuration, err = pipelineMeter.Float64Histogram(
		"guard.pipeline.duration",
		metric.WithDescription("Time spent in security checks in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline.duration histogram: %w", err)
	}

	rateMeter := inst.Meter("ratelimit")
	m.RateLimitDenied, err = rateMeter.Int64Counter(
		"guard.rate_limit.denied",
		metric.WithDescription("Requests denied by the adaptive rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.denied counter: %w", err)
	}

	m.RateLimitDelay, err = rateMeter.Float64Histogram(
		"guard.rate_limit.delay",
		metric.WithDescription("Progressive penalty delay applied to violators"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.delay histogram: %w", err)
	}

	csrfMeter := inst.Meter("csrf")
	m.CSRFTokensIssued, err = csrfMeter.Int64Counter(
		"guard.csrf.tokens.issued",
		metric.WithDescription("CSRF tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens.issued counter: %w", err)
	}

	m.CSRFTokensRotated, err = csrfMeter.Int64Counter(
		"guard.csrf.tokens.rotated",
		metric.WithDescription("CSRF tokens rotated"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens.rotated counter: %w", err)
	}

	m.CSRFValidationFailed, err = csrfMeter.Int64Counter(
		"guard.csrf.validation_failed",
		metric.WithDescription("CSRF validation failures by reason"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.validation_failed counter: %w", err)
	}

	m.CSRFIssuanceThrottled, err = csrfMeter.Int64Counter(
		"guard.csrf.issuance_throttled",
		metric.WithDescription("CSRF token issuance requests rejected by the minting budget"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.issuance_throttled counter: %w", err)
	}

	sessionMeter := inst.Meter("session")
	m.SessionAnomalies, err = sessionMeter.Int64Counter(
		"guard.session.anomalies",
		metric.WithDescription("Session fingerprint anomalies detected"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.anomalies counter: %w", err)
	}

	m.SessionRisk, err = sessionMeter.Float64Histogram(
		"guard.session.risk",
		metric.WithDescription("Aggregated session risk per validation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.risk histogram: %w", err)
	}

	threatMeter := inst.Meter("threat")
	m.ThreatEvents, err = threatMeter.Int64Counter(
		"guard.threat.events",
		metric.WithDescription("Security events processed by the threat monitor"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.events counter: %w", err)
	}

	m.ThreatAlerts, err = threatMeter.Int64Counter(
		"guard.threat.alerts",
		metric.WithDescription("Security alerts generated"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.alerts counter: %w", err)
	}

	m.ThreatAlertsDropped, err = threatMeter.Int64Counter(
		"guard.threat.alerts.suppressed",
		metric.WithDescription("Alerts suppressed by the cooldown window"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.alerts.suppressed counter: %w", err)
	}

	m.ContainmentActions, err = threatMeter.Int64Counter(
		"guard.threat.containment_actions",
		metric.WithDescription("Automated containment actions applied"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.containment_actions counter: %w", err)
	}

	storageMeter := inst.Meter("storage")
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"guard.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"guard.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageKeys, err = storageMeter.Int64ObservableGauge(
		"guard.storage.keys",
		metric.WithDescription("Number of live keys held by the store"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.keys gauge: %w", err)
	}

	return m, nil
}

// RecordPipelineRequest records the outcome of one pipeline run
func (m *Metrics) RecordPipelineRequest(ctx context.Context, outcome string, durationMs float64) {
	m.PipelineRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.PipelineDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitDenied records a denial and the penalty delay that preceded it
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, category string, delaySeconds float64) {
	m.RateLimitDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
	if delaySeconds > 0 {
		m.RateLimitDelay.Record(ctx, delaySeconds, metric.WithAttributes(
			attribute.String("category", category),
		))
	}
}

// RecordCSRFTokenIssued records a token issuance
func (m *Metrics) RecordCSRFTokenIssued(ctx context.Context, rotated bool) {
	if rotated {
		m.CSRFTokensRotated.Add(ctx, 1)
		return
	}
	m.CSRFTokensIssued.Add(ctx, 1)
}

// RecordCSRFValidationFailed records a CSRF failure by reason
func (m *Metrics) RecordCSRFValidationFailed(ctx context.Context, reason string) {
	m.CSRFValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCSRFIssuanceThrottled records an issuance rejected by the minting budget
func (m *Metrics) RecordCSRFIssuanceThrottled(ctx context.Context) {
	m.CSRFIssuanceThrottled.Add(ctx, 1)
}

// RecordSessionAnomaly records a detected anomaly
func (m *Metrics) RecordSessionAnomaly(ctx context.Context, anomalyType, severity string) {
	m.SessionAnomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", anomalyType),
		attribute.String("severity", severity),
	))
}

// RecordSessionRisk records the aggregated risk of a validation
func (m *Metrics) RecordSessionRisk(ctx context.Context, risk float64, valid bool) {
	m.SessionRisk.Record(ctx, risk, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordThreatEvent records a processed security event
func (m *Metrics) RecordThreatEvent(ctx context.Context, eventType, level string) {
	m.ThreatEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("threat_level", level),
	))
}

// RecordThreatAlert records a generated alert; suppressed alerts are counted separately
func (m *Metrics) RecordThreatAlert(ctx context.Context, alertType, severity string, suppressed bool) {
	attrs := metric.WithAttributes(
		attribute.String("alert_type", alertType),
		attribute.String("severity", severity),
	)
	if suppressed {
		m.ThreatAlertsDropped.Add(ctx, 1, attrs)
		return
	}
	m.ThreatAlerts.Add(ctx, 1, attrs)
}

// RecordContainmentAction records an automated defensive action
func (m *Metrics) RecordContainmentAction(ctx context.Context, action string) {
	m.ContainmentActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
