// Package redis provides the distributed sliding window store backed by
// Redis sorted sets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

const (
	defaultNamespace    = "ratekeeper:"
	defaultExpiryBuffer = time.Second
)

// slidingWindowScript trims, counts and conditionally inserts in one atomic step.
// A marker is only added when the window has room, so denials leave no trace.
//
// KEYS[1] window key
// ARGV[1] cutoff (ms)  ARGV[2] now (ms)  ARGV[3] max requests
// ARGV[4] member       ARGV[5] ttl (ms)
//
// Returns {allowed, count_before_insert, oldest_score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)

local allowed = 0
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', key, ARGV[2], ARGV[4])
	redis.call('PEXPIRE', key, ARGV[5])
	allowed = 1
end

local oldest = tonumber(ARGV[2])
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end

return {allowed, count, oldest}
`)

// WindowStore implements ratelimit.DistributedStore on Redis.
// Every check is one round trip; no state is cached locally.
type WindowStore struct {
	client       redis.UniversalClient
	now          func() time.Time
	nonce        func() string
	namespace    string
	expiryBuffer time.Duration
}

// Option configures a WindowStore.
type Option func(*WindowStore)

// WithClock overrides the time source used to score markers.
func WithClock(now func() time.Time) Option {
	return func(s *WindowStore) {
		s.now = now
	}
}

// WithNamespace sets the prefix for every Redis key written by the store.
func WithNamespace(namespace string) Option {
	return func(s *WindowStore) {
		s.namespace = namespace
	}
}

// WithExpiryBuffer sets how much longer than the window an idle key lives.
func WithExpiryBuffer(d time.Duration) Option {
	return func(s *WindowStore) {
		if d >= 0 {
			s.expiryBuffer = d
		}
	}
}

// WithNonce overrides the marker nonce generator.
func WithNonce(nonce func() string) Option {
	return func(s *WindowStore) {
		s.nonce = nonce
	}
}

// New wraps an existing client.
// The client should have ContextTimeoutEnabled set: without it go-redis
// ignores context deadlines on socket I/O and a silent server holds each
// check for the client's ReadTimeout instead of the caller's deadline.
func New(client redis.UniversalClient, opts ...Option) *WindowStore {
	s := &WindowStore{
		client:       client,
		now:          time.Now,
		nonce:        func() string { return uuid.New().String() },
		namespace:    defaultNamespace,
		expiryBuffer: defaultExpiryBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the Redis server at url ("redis://host:port/db") and pings it.
// A failed ping still returns a usable store: the coordinator starts degraded
// and recovers once the server answers.
func Dial(ctx context.Context, url string, opts ...Option) (*WindowStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Bound every call by the caller's context, not the socket timeouts.
	options.ContextTimeoutEnabled = true

	store := New(redis.NewClient(options), opts...)
	if err := store.Ping(ctx); err != nil {
		return store, err
	}
	return store, nil
}

// Check runs the sliding window script for key.
func (s *WindowStore) Check(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.Decision, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	windowMs := config.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	ttlMs := windowMs + s.expiryBuffer.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + s.nonce()

	raw, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.namespace + key},
		nowMs-windowMs, nowMs, config.MaxRequests, member, ttlMs,
	).Slice()
	if err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("sliding window script for key %v: %w", key, err))
	}

	allowed, count, oldest, err := parseReply(raw)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: key %v: %v", ratelimit.ErrStoreInternal, key, err)
	}

	if !allowed {
		return ratelimit.Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   time.UnixMilli(oldest + windowMs),
			Backend:   ratelimit.BackendDistributed,
		}, nil
	}

	remaining := config.MaxRequests - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   now.Add(config.Window),
		Backend:   ratelimit.BackendDistributed,
	}, nil
}

func parseReply(raw []interface{}) (allowed bool, count, oldest int64, err error) {
	if len(raw) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected script reply length %d", len(raw))
	}
	values := make([]int64, 3)
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("unexpected script reply element %d of type %T", i, v)
		}
		values[i] = n
	}
	return values[0] == 1, values[1], values[2], nil
}

// Ping verifies the server is reachable.
func (s *WindowStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(fmt.Errorf("redis ping failed: %w", err))
	}
	return nil
}

// Close closes the underlying client.
func (s *WindowStore) Close() error {
	return s.client.Close()
}

// transientReplies are server replies that mean "try again later" rather
// than a broken request.
var transientReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN"}

// classify maps err onto ErrStoreUnavailable (transport, timeout, server not
// ready) or ErrStoreInternal (everything else).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransportError(err) {
		return fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ratelimit.ErrStoreInternal, err)
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, redis.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		for _, prefix := range transientReplies {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
		return false
	}

	// go-redis reports an exhausted pool with a plain error value.
	return strings.Contains(err.Error(), "connection pool timeout")
}

// Compile-time interface verification.
var _ ratelimit.DistributedStore = (*WindowStore)(nil)
