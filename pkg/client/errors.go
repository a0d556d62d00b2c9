package client

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrRateLimited is returned by Do when the server denies the operation.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerUnreachable is returned when the server cannot be contacted
	// and the fail mode is "closed".
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned for unexpected HTTP responses.
type APIError struct {
	// StatusCode is the HTTP status returned by the server.
	StatusCode int
	// Message is the server's error message, if any.
	Message string
}

// Error returns the error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("ratekeeper: server returned %d: %s", e.StatusCode, e.Message)
}

// RateLimitedError is returned by Do when the operation was denied.
type RateLimitedError struct {
	// Operation is the denied operation.
	Operation string
	// RetryAfter is how long to wait before the window frees a slot.
	RetryAfter time.Duration
}

// Error returns a human-readable description of the denial.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: operation %q, retry after %dms", e.Operation, e.RetryAfter.Milliseconds())
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerUnreachableError is returned when the server cannot be contacted.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the error.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
