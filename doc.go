// Package guard protects the browser-facing endpoints of an OAuth 2.0
// authorization server.
//
// A Pipeline composes four components, each usable on its own:
//   - csrf: session-bound synchronizer tokens with rotation and one-time use
//   - fingerprint: session binding to a client fingerprint with anomaly scoring
//   - ratelimit: per-category budgets with escalating delays and IP blocks
//   - threat: event scoring, pattern detection, alerting and containment
//
// The pipeline only engages for browser requests on protected paths.
// Server-to-server calls such as a client posting to the token endpoint with
// its own credentials pass straight through.
//
// Typical wiring:
//
//	pipeline, err := guard.New(guard.Config{}, guard.Components{
//		Store:       store,
//		CSRF:        csrfGuard,
//		Fingerprint: fpGuard,
//	})
//	if err != nil {
//		return err
//	}
//	http.ListenAndServe(":8080", pipeline.Middleware(mux))
//
// Rejections are written as JSON {"error", "error_description"} bodies with
// generic messages. Details are logged and never returned to the client.
//
// State lives behind storage.KeyValueStore, so several replicas sharing a
// Valkey or Redis backend enforce the same budgets and see the same sessions.
// Configuration can be loaded from GUARD_* environment variables with
// LoadConfigFromEnv.
package guard
