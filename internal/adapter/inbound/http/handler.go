package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (64 KB).
const maxRequestBodySize = 64 << 10

// admitRequest is the body of POST /v1/admit.
type admitRequest struct {
	Operation string       `json:"operation"`
	Subject   string       `json:"subject"`
	Inline    *inlineLimit `json:"inline,omitempty"`
}

// inlineLimit is a window supplied by the caller instead of a registered one.
type inlineLimit struct {
	WindowMs    int64  `json:"window_ms"`
	MaxRequests int    `json:"max_requests"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

// admitResponse is the body returned by POST /v1/admit.
type admitResponse struct {
	ratelimit.Decision
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

func (r admitRequest) ref() ratelimit.ConfigRef {
	if r.Inline == nil {
		return ratelimit.ByName(r.Operation)
	}
	return ratelimit.Inline(r.Operation, ratelimit.RateLimitConfig{
		Window:      time.Duration(r.Inline.WindowMs) * time.Millisecond,
		MaxRequests: r.Inline.MaxRequests,
		KeyPrefix:   r.Inline.KeyPrefix,
	})
}

// apiHandler serves the admission API.
type apiHandler struct {
	admission *service.Admission
}

// newAPIHandler returns the /v1 routes.
func newAPIHandler(admission *service.Admission) http.Handler {
	h := &apiHandler{admission: admission}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/admit", h.handleAdmit)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	return mux
}

func (h *apiHandler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			respondError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			respondError(w, r, http.StatusBadRequest, "request body is empty")
		default:
			respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		}
		return
	}
	if req.Operation == "" || req.Subject == "" {
		respondError(w, r, http.StatusBadRequest, "operation and subject are required")
		return
	}

	d := h.admission.TryAdmitRef(r.Context(), req.ref(), req.Subject)
	if !d.Allowed {
		retryAfterMs := h.admission.RetryAfterMs(d)
		LoggerFromContext(r.Context()).Info("admission denied",
			"operation", req.Operation,
			"subject", req.Subject,
			"retry_after_ms", retryAfterMs,
		)
		writeRateLimited(w, d, retryAfterMs)
		return
	}

	respondJSON(w, r, http.StatusOK, admitResponse{Decision: d})
}

func (h *apiHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, h.admission.Coordinator().Stats())
}

// writeRateLimited writes a 429 response for a denied decision.
func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision, retryAfterMs int64) {
	w.Header().Set("Retry-After", retryAfterSeconds(retryAfterMs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(admitResponse{Decision: d, RetryAfterMs: retryAfterMs})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		LoggerFromContext(r.Context()).Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	respondJSON(w, r, status, map[string]string{"error": message})
}
