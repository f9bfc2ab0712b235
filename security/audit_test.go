package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor == nil {
				t.Fatal("NewAuditor() returned nil")
			}
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			ctx := WithRequestID(context.Background(), "req-123")
			auditor.LogEvent(ctx, Event{
				Type:      EventIPBlocked,
				SessionID: "session-secret",
				UserID:    "alice",
				IPAddress: "203.0.113.7",
			})

			out := buf.String()
			if got := out != ""; got != tt.wantLog {
				t.Fatalf("logged = %v, want %v", got, tt.wantLog)
			}
			if !tt.wantLog {
				return
			}
			if !strings.Contains(out, "request_id=req-123") {
				t.Errorf("expected request id from context, got %q", out)
			}
			if strings.Contains(out, "session-secret") || strings.Contains(out, "alice") {
				t.Errorf("identifiers must be hashed, got %q", out)
			}
			if !strings.Contains(out, HashForLogging("alice")) {
				t.Errorf("expected hashed user id, got %q", out)
			}
		})
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var a *Auditor
	a.LogIPBlocked(context.Background(), "1.2.3.4", "test", time.Hour)
}

func TestAuditor_Helpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantEvent string
	}{
		{
			name:      "csrf issued",
			log:       func(a *Auditor) { a.LogCSRFTokenIssued(context.Background(), "s", "u", "1.1.1.1", false) },
			wantEvent: EventCSRFTokenIssued,
		},
		{
			name:      "csrf rotated",
			log:       func(a *Auditor) { a.LogCSRFTokenIssued(context.Background(), "s", "u", "1.1.1.1", true) },
			wantEvent: EventCSRFTokenRotated,
		},
		{
			name:      "csrf invalidated",
			log:       func(a *Auditor) { a.LogCSRFTokenInvalidated(context.Background(), "s", "expired") },
			wantEvent: EventCSRFTokenInvalidated,
		},
		{
			name:      "csrf session cleared",
			log:       func(a *Auditor) { a.LogCSRFSessionCleared(context.Background(), "s", 3) },
			wantEvent: EventCSRFSessionCleared,
		},
		{
			name:      "session regenerated",
			log:       func(a *Auditor) { a.LogSessionRegenerated(context.Background(), "old", "new", "u", "1.1.1.1") },
			wantEvent: EventSessionRegenerated,
		},
		{
			name:      "session invalidated",
			log:       func(a *Auditor) { a.LogSessionInvalidated(context.Background(), "s", "u", "1.1.1.1", 0.95) },
			wantEvent: EventSessionInvalidated,
		},
		{
			name:      "ip blocked",
			log:       func(a *Auditor) { a.LogIPBlocked(context.Background(), "1.1.1.1", "brute_force", time.Hour) },
			wantEvent: EventIPBlocked,
		},
		{
			name:      "rate limit",
			log:       func(a *Auditor) { a.LogRateLimitExceeded(context.Background(), "1.1.1.1", "login", 2) },
			wantEvent: EventRateLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true))
			if !strings.Contains(buf.String(), "event_type="+tt.wantEvent) {
				t.Errorf("log = %q, want event_type=%s", buf.String(), tt.wantEvent)
			}
		})
	}
}
