package ratelimit

import "context"

// WindowStore is a sliding window counter keyed by string.
//
// Check records the request and reports the decision in one step. A denied
// check must not leave a marker behind: denials never consume quota.
type WindowStore interface {
	Check(ctx context.Context, key string, config RateLimitConfig) (Decision, error)
}

// DistributedStore is a WindowStore shared by every process pointing at the
// same backend. Errors returned by its methods should wrap
// ErrStoreUnavailable for transport and timeout failures and ErrStoreInternal
// for anything else.
type DistributedStore interface {
	WindowStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// Expirer is implemented by distributed stores that need an explicit sweep
// to drop expired markers (stores without native key expiry).
type Expirer interface {
	Expire(ctx context.Context) (int64, error)
}
