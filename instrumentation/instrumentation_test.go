package instrumentation

import (
	"context"
	"testing"
)

func TestNewDisabled(t *testing.T) {
	inst, err := New(Config{ServiceName: "test", Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() returned nil")
	}
	if inst.Meter("server") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("server") == nil {
		t.Error("Tracer() returned nil")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if inst.config.ServiceName != "oauth" {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, "oauth")
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestRecordMethodsAreSafeOnNoopProviders(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()

	m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 1.5)
	m.RecordAuthorizationStarted(ctx, "client-1")
	m.RecordCodeIssued(ctx, "client-1")
	m.RecordCodeExchange(ctx, "client-1", true)
	m.RecordTokenRefresh(ctx, "client-1", false)
	m.RecordMFACodeIssued(ctx)
	m.RecordMFAVerification(ctx, true)
	m.RecordRateLimitExceeded(ctx, "token")
	m.RecordPKCEValidationFailed(ctx)
	m.RecordStorageOperation(ctx, "save_client", "success", 0.2)
}

func TestShutdownIdempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
