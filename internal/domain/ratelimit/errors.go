package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidConfig is returned when a config has a non-positive window or max requests.
	ErrInvalidConfig = errors.New("invalid rate limit config")

	// ErrConfigNotFound is returned when an operation has no registered config.
	ErrConfigNotFound = errors.New("rate limit config not found")

	// ErrStoreUnavailable wraps transport and timeout failures of a distributed store.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrStoreInternal wraps unexpected failures of a distributed store
	// (bad replies, script errors, programming errors).
	ErrStoreInternal = errors.New("rate limit store internal error")
)

// RateLimitedError is returned when an operation is denied admission.
type RateLimitedError struct {
	// Operation is the rate limited operation name.
	Operation string

	// RetryAfter indicates how long to wait before retrying.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %v", e.Operation, e.RetryAfter)
}

// RetryAfterMs returns RetryAfter rounded up to whole milliseconds.
func (e *RateLimitedError) RetryAfterMs() int64 {
	return int64(math.Ceil(float64(e.RetryAfter) / float64(time.Millisecond)))
}

// IsRateLimited unwraps err into a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
