package instrumentation

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "disabled",
			config:  Config{Enabled: false},
			wantErr: false,
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
			wantErr: false,
		},
		{
			name:    "empty service name gets default",
			config:  Config{Enabled: true},
			wantErr: false,
		},
		{
			name: "stdout traces",
			config: Config{
				Enabled:        true,
				TracesExporter: ExporterStdout,
			},
			wantErr: false,
		},
		{
			name: "unknown metrics exporter",
			config: Config{
				Enabled:         true,
				MetricsExporter: "carrier-pigeon",
			},
			wantErr: true,
		},
		{
			name: "unknown traces exporter",
			config: Config{
				Enabled:        true,
				TracesExporter: "carrier-pigeon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			for _, scope := range []string{"pipeline", "csrf", "session", "ratelimit", "threat", "storage"} {
				if inst.Meter(scope) == nil {
					t.Errorf("Meter(%q) returned nil", scope)
				}
				if inst.Tracer(scope) == nil {
					t.Errorf("Tracer(%q) returned nil", scope)
				}
			}

			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers must not be nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			// Shutdown is idempotent
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.ShouldLogClientIPs() {
		t.Error("client IP logging must be off by default")
	}
}

func TestInstrumentation_NoOpProviders(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordPipelineRequest(ctx, "allowed", 1.5)
	m.RecordRateLimitDenied(ctx, "token", 2)
	m.RecordCSRFTokenIssued(ctx, false)
	m.RecordCSRFTokenIssued(ctx, true)
	m.RecordCSRFValidationFailed(ctx, "expired")
	m.RecordCSRFIssuanceThrottled(ctx)
	m.RecordSessionAnomaly(ctx, "ip_change", "high")
	m.RecordSessionRisk(ctx, 0.4, true)
	m.RecordThreatEvent(ctx, "failed_authentication", "medium")
	m.RecordThreatAlert(ctx, "brute_force_attack", "high", false)
	m.RecordThreatAlert(ctx, "brute_force_attack", "high", true)
	m.RecordContainmentAction(ctx, "ip_blocked")
	m.RecordStorageOperation(ctx, "get", "success", 0.2)

	_, span := inst.Tracer("pipeline").Start(ctx, "noop")
	span.End()
}

func TestInstrumentation_RegisterStorageSizeCallback(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.RegisterStorageSizeCallback(func() int64 { return 42 }); err != nil {
		t.Errorf("RegisterStorageSizeCallback() error = %v", err)
	}
	if err := inst.RegisterStorageSizeCallback(nil); err != nil {
		t.Errorf("RegisterStorageSizeCallback(nil) error = %v", err)
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			inst.Metrics().RecordPipelineRequest(ctx, "allowed", 1)
			_, span := inst.Tracer("pipeline").Start(ctx, "concurrent")
			span.End()
		}()
	}
	wg.Wait()
}
