// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the sliding window parameters for one operation.
// Values are immutable once registered.
type RateLimitConfig struct {
	// Window is the length of the sliding window.
	Window time.Duration `yaml:"window" mapstructure:"window"`

	// MaxRequests is the number of requests allowed inside any window.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests"`

	// KeyPrefix is prepended to the subject to build the window key.
	// The registry fills it with "<operation>:" when left empty.
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Validate reports whether the config can be enforced.
func (c RateLimitConfig) Validate() error {
	if c.MaxRequests < 1 {
		return fmt.Errorf("%w: max_requests must be >= 1, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidConfig, c.Window)
	}
	return nil
}

// Backend identifies which store produced a decision.
type Backend string

const (
	// BackendDistributed is the shared store used across processes.
	BackendDistributed Backend = "distributed"

	// BackendLocal is the in-process fallback store.
	BackendLocal Backend = "local"

	// BackendNone marks decisions made without consulting any store
	// (fail-open for unconfigured operations).
	BackendNone Backend = "none"
)

// Decision contains the result of an admission check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool `json:"allowed"`

	// Remaining is the number of requests still available in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window frees up capacity again.
	// For denials it is the moment the oldest counted request leaves the window.
	ResetAt time.Time `json:"reset_at"`

	// Backend records which store answered.
	Backend Backend `json:"backend"`
}

// RetryAfter returns how long a denied caller should wait before retrying.
// Always zero for allowed decisions.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.IsZero() {
		return 0
	}
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// ConfigRef points at the config a check should use: either an operation
// registered by name or an inline config. It is resolved once by the
// Coordinator.
type ConfigRef interface {
	configRef()
}

// ByName references a config registered in the Registry.
type ByName string

func (ByName) configRef() {}

// InlineRef carries a config that is not registered.
type InlineRef struct {
	// Name labels the operation in logs and metrics.
	Name   string
	Config RateLimitConfig
}

func (InlineRef) configRef() {}

// Inline builds an InlineRef.
func Inline(name string, cfg RateLimitConfig) InlineRef {
	return InlineRef{Name: name, Config: cfg}
}

// FormatKey returns the window key for a subject.
// Examples:
//   - FormatKey("login:", "user-123") -> "login:user-123"
//   - FormatKey("post:", "10.0.0.1") -> "post:10.0.0.1"
func FormatKey(prefix, subject string) string {
	return prefix + subject
}
