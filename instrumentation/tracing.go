package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put CSRF token values, session identifiers, fingerprint
// hashes or violation counters into spans. Only record decisions and metadata.
const (
	// Pipeline attributes
	AttrPipelineOutcome = "guard.pipeline.outcome"
	AttrPipelineStage   = "guard.pipeline.stage"
	AttrProtectedPath   = "guard.pipeline.protected_path"

	// CSRF attributes
	AttrCSRFResult      = "guard.csrf.result"
	AttrCSRFReason      = "guard.csrf.reason"
	AttrCSRFRotationDue = "guard.csrf.rotation_due"

	// Session attributes
	AttrSessionFirstSeen = "guard.session.first_seen"
	AttrSessionRisk      = "guard.session.risk"
	AttrSessionState     = "guard.session.state"
	AttrSessionAnomalies = "guard.session.anomalies"

	// Rate limit attributes
	AttrRateLimitCategory   = "guard.rate_limit.category"
	AttrRateLimitAllowed    = "guard.rate_limit.allowed"
	AttrRateLimitViolations = "guard.rate_limit.violations"

	// Threat attributes
	AttrThreatEventType = "guard.threat.event_type"
	AttrThreatLevel     = "guard.threat.level"
	AttrThreatRiskScore = "guard.threat.risk_score"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
//
// PRIVACY NOTE: check Instrumentation.ShouldLogClientIPs() before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}

// StartSpan starts a span on the given tracer, tolerating a nil tracer.
// With a nil tracer the span already carried by ctx (usually a no-op span) is returned.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
