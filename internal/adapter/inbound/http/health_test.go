package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sentinel-Gate/ratekeeper/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// downStore is a distributed store that always reports unavailable.
type downStore struct{}

func (downStore) Check(context.Context, string, ratelimit.RateLimitConfig) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, fmt.Errorf("%w: connection refused", ratelimit.ErrStoreUnavailable)
}
func (downStore) Ping(context.Context) error { return ratelimit.ErrStoreUnavailable }
func (downStore) Close() error { return nil }

// newTestCoordinator creates a Coordinator with "login" limited to 2 per minute.
func newTestCoordinator(t *testing.T, dist ratelimit.DistributedStore, opts ...service.CoordinatorOption) *service.Coordinator {
	t.Helper()
	registry := ratelimit.NewRegistry()
	if err := registry.Register("login", ratelimit.RateLimitConfig{Window: time.Minute, MaxRequests: 2}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	opts = append([]service.CoordinatorOption{service.WithLogger(discardLogger())}, opts...)
	return service.NewCoordinator(registry, memory.NewWindowStore(), dist, opts...)
}

func TestHealthChecker_LocalOnly(t *testing.T) {
	hc := NewHealthChecker(newTestCoordinator(t, nil), "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["distributed_store"] != "not configured" {
		t.Errorf("distributed_store = %q, want 'not configured'", health.Checks["distributed_store"])
	}
	if health.Checks["local_store"] != "ok: 0 keys" {
		t.Errorf("local_store = %q, want 'ok: 0 keys'", health.Checks["local_store"])
	}
	if health.Checks["operations"] != "1" {
		t.Errorf("operations = %q, want 1", health.Checks["operations"])
	}
}

func TestHealthChecker_NilCoordinator(t *testing.T) {
	hc := NewHealthChecker(nil, "")
	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Checks["local_store"] != "not configured" {
		t.Errorf("local_store = %q, want 'not configured'", health.Checks["local_store"])
	}
}

func TestHealthChecker_DegradedStillServes(t *testing.T) {
	c := newTestCoordinator(t, downStore{}, service.WithRecoveryInterval(0))
	c.Check(context.Background(), ratelimit.ByName("login"), "1.2.3.4")

	hc := NewHealthChecker(c, "1.0.0")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d (fallback keeps serving)", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("Response status = %q, want degraded", resp.Status)
	}
	if resp.Checks["distributed_store"] != "degraded: using local fallback" {
		t.Errorf("distributed_store = %q", resp.Checks["distributed_store"])
	}
	if resp.Checks["local_store"] != "ok: 1 keys" {
		t.Errorf("local_store = %q, want 'ok: 1 keys'", resp.Checks["local_store"])
	}
}

func TestHealthChecker_GoroutineCount(t *testing.T) {
	hc := NewHealthChecker(nil, "")
	health := hc.Check()

	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check should be present")
	}
	if health.Checks["goroutines"] == "0" {
		t.Error("goroutines count should be > 0")
	}
}
