// Package instrumentation provides OpenTelemetry instrumentation for oauth-guard.
//
// Every guard component accepts an optional *Instrumentation. When it is nil or
// disabled, no-op providers are used and recording costs nothing.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauth-guard",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// Pipeline:
//   - guard.pipeline.requests.total{outcome}
//   - guard.pipeline.duration{outcome}
//
// Rate limiting:
//   - guard.rate_limit.denied{category}
//   - guard.rate_limit.delay{category}
//
// CSRF:
//   - guard.csrf.tokens.issued, guard.csrf.tokens.rotated
//   - guard.csrf.validation_failed{reason}
//   - guard.csrf.issuance_throttled
//
// Sessions:
//   - guard.session.anomalies{type, severity}
//   - guard.session.risk{valid}
//
// Threat monitoring:
//   - guard.threat.events{event_type, threat_level}
//   - guard.threat.alerts{alert_type, severity}
//   - guard.threat.alerts.suppressed{alert_type, severity}
//   - guard.threat.containment_actions{action}
//
// Storage:
//   - guard.storage.operation.total{operation, result}
//   - guard.storage.operation.duration{operation}
//   - guard.storage.keys
package instrumentation
