package client

import "time"

// Backends reported in Decision.Backend.
const (
	BackendDistributed = "distributed"
	BackendLocal       = "local"
	BackendNone        = "none"
)

// Decision is the server's answer to an admission request.
type Decision struct {
	// Allowed indicates whether the operation may proceed.
	Allowed bool `json:"allowed"`

	// Remaining is the capacity left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window frees up capacity again.
	ResetAt time.Time `json:"reset_at"`

	// Backend is the store that answered: "distributed", "local" or "none".
	// Client-side fail-open decisions also report "none".
	Backend string `json:"backend"`

	// RetryAfterMs is set on denials.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// RetryAfter returns RetryAfterMs as a duration.
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterMs) * time.Millisecond
}

// Inline is a window supplied with the request instead of one configured
// on the server.
type Inline struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
}

type admitRequest struct {
	Operation string       `json:"operation"`
	Subject   string       `json:"subject"`
	Inline    *inlineLimit `json:"inline,omitempty"`
}

type inlineLimit struct {
	WindowMs    int64  `json:"window_ms"`
	MaxRequests int    `json:"max_requests"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Stats is the body of GET /v1/stats.
type Stats struct {
	DistributedConfigured bool     `json:"distributed_configured"`
	DistributedAvailable  bool     `json:"distributed_available"`
	Health                string   `json:"health"`
	LocalKeys             int      `json:"local_keys"`
	Operations            []string `json:"operations"`
	Counters              Counters `json:"counters"`
}

// Counters are the server's cumulative decision counters.
type Counters struct {
	Allowed          int64            `json:"allowed"`
	Denied           int64            `json:"denied"`
	Fallback         int64            `json:"fallback"`
	StoreUnavailable int64            `json:"store_unavailable"`
	StoreInternal    int64            `json:"store_internal"`
	MissingConfig    int64            `json:"missing_config"`
	OperationCounts  map[string]int64 `json:"operation_counts"`
}
