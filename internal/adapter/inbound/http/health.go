package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "degraded"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker reports component health from the Coordinator's snapshot.
type HealthChecker struct {
	coordinator *service.Coordinator
	version     string
}

// NewHealthChecker creates a HealthChecker. coordinator may be nil.
func NewHealthChecker(coordinator *service.Coordinator, version string) *HealthChecker {
	return &HealthChecker{
		coordinator: coordinator,
		version:     version,
	}
}

// Check performs health checks on all components.
// A degraded distributed store reports "degraded" but the service keeps
// admitting through the local store, so it never fails the check.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	status := "healthy"

	if h.coordinator != nil {
		stats := h.coordinator.Stats()
		checks["local_store"] = fmt.Sprintf("ok: %d keys", stats.LocalKeys)

		switch {
		case !stats.DistributedConfigured:
			checks["distributed_store"] = "not configured"
		case stats.DistributedAvailable:
			checks["distributed_store"] = "ok"
		default:
			checks["distributed_store"] = "degraded: using local fallback"
			status = "degraded"
		}
		checks["operations"] = fmt.Sprintf("%d", len(stats.Operations))
	} else {
		checks["local_store"] = "not configured"
		checks["distributed_store"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler returns a minimal health handler used when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
