// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

const (
	defaultCleanupInterval = 60 * time.Second
	defaultShards          = 32
)

// windowRecord holds the request timestamps of one key, oldest first.
type windowRecord struct {
	markers []time.Time
	window  time.Duration // window of the config that last touched the key
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*windowRecord
}

// WindowStore implements ratelimit.WindowStore as an in-process sliding log.
// Thread-safe for concurrent access. Authoritative only within one process.
// Includes background cleanup to prevent unbounded memory growth.
type WindowStore struct {
	shards          []*shard
	now             func() time.Time
	logger          *slog.Logger
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

// Option configures a WindowStore.
type Option func(*WindowStore)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *WindowStore) {
		s.now = now
	}
}

// WithCleanupInterval sets how often expired records are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *WindowStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(s *WindowStore) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithLogger sets the logger used by cleanup.
func WithLogger(logger *slog.Logger) Option {
	return func(s *WindowStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewWindowStore creates a local window store.
// Default cleanup interval: 60 seconds, default shards: 32.
func NewWindowStore(opts ...Option) *WindowStore {
	s := &WindowStore{
		shards:          newShards(defaultShards),
		now:             time.Now,
		logger:          slog.Default(),
		stopChan:        make(chan struct{}),
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{records: make(map[string]*windowRecord)}
	}
	return shards
}

func (s *WindowStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Check records a request for key if the window has room.
// Denied checks leave the window untouched.
func (s *WindowStore) Check(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.Decision, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()

	rec, exists := sh.records[key]
	if !exists {
		rec = &windowRecord{}
		sh.records[key] = rec
	}
	rec.window = config.Window
	rec.trim(now.Add(-config.Window))

	count := len(rec.markers)
	if count >= config.MaxRequests {
		return ratelimit.Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   rec.markers[0].Add(config.Window),
			Backend:   ratelimit.BackendLocal,
		}, nil
	}

	rec.markers = append(rec.markers, now)
	rec.resetAt = now.Add(config.Window)

	return ratelimit.Decision{
		Allowed:   true,
		Remaining: config.MaxRequests - count - 1,
		ResetAt:   rec.resetAt,
		Backend:   ratelimit.BackendLocal,
	}, nil
}

// peek reports, for tests, the decision a check would get right now without recording anything.
func (s *WindowStore) peek(key string, config ratelimit.RateLimitConfig) ratelimit.Decision {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-config.Window)

	count := 0
	var oldest time.Time
	if rec, ok := sh.records[key]; ok {
		for _, m := range rec.markers {
			if m.After(cutoff) {
				if count == 0 {
					oldest = m
				}
				count++
			}
		}
	}

	if count >= config.MaxRequests {
		return ratelimit.Decision{
			Allowed: false,
			ResetAt: oldest.Add(config.Window),
			Backend: ratelimit.BackendLocal,
		}
	}
	return ratelimit.Decision{
		Allowed:   true,
		Remaining: config.MaxRequests - count,
		ResetAt:   now.Add(config.Window),
		Backend:   ratelimit.BackendLocal,
	}
}

// trim drops markers at or before cutoff. Markers are appended in time
// order, so the surviving ones are a suffix.
func (r *windowRecord) trim(cutoff time.Time) {
	i := 0
	for i < len(r.markers) && !r.markers[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Copy down so the backing array does not pin expired markers.
	n := copy(r.markers, r.markers[i:])
	r.markers = r.markers[:n]
}

// expired reports whether the record's newest marker has left its window.
func (r *windowRecord) expired(now time.Time) bool {
	if len(r.markers) == 0 {
		return true
	}
	newest := r.markers[len(r.markers)-1]
	return !newest.After(now.Add(-r.window))
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes records whose newest marker has expired.
// It stops when ctx is cancelled or Stop() is called.
func (s *WindowStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Sweep removes fully expired records and returns how many were removed.
// Shards are locked one at a time so checks on other shards keep flowing.
func (s *WindowStore) Sweep() int {
	now := s.now()
	cleaned := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.expired(now) {
				delete(sh.records, key)
				cleaned++
			}
		}
		sh.mu.Unlock()
	}

	if cleaned > 0 {
		s.logger.Debug("local window cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", s.Size())
	}
	return cleaned
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *WindowStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked keys.
func (s *WindowStore) Size() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.records)
		sh.mu.Unlock()
	}
	return total
}

// Reset drops every record.
func (s *WindowStore) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.records = make(map[string]*windowRecord)
		sh.mu.Unlock()
	}
}

// Compile-time interface verification.
var _ ratelimit.WindowStore = (*WindowStore)(nil)
