package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/ratekeeper/internal/ctxkey"
	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

const (
	defaultDistributedTimeout = 500 * time.Millisecond
	defaultRecoveryInterval   = 5 * time.Second
	defaultExpireInterval     = 60 * time.Second

	inlineKeyPrefix = "inline:"

	tracerName = "github.com/Sentinel-Gate/ratekeeper/internal/service"
)

// Health is the state of the distributed store as seen by a Coordinator.
type Health int32

const (
	// HealthHealthy routes checks to the distributed store.
	HealthHealthy Health = iota
	// HealthDegraded routes checks to the local store.
	HealthDegraded
)

// String returns the state name.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// LocalStore is the in-process fallback store owned by the Coordinator.
type LocalStore interface {
	ratelimit.WindowStore
	Size() int
	StartCleanup(ctx context.Context)
	Stop()
}

// Observer receives admission events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveDecision(operation string, d ratelimit.Decision)
	ObserveStoreError(kind string)
	ObserveHealth(healthy bool)
}

// Store error kinds passed to Observer.ObserveStoreError.
const (
	StoreErrorUnavailable = "unavailable"
	StoreErrorInternal    = "internal"
)

// Coordinator owns the local and distributed stores and decides which one
// answers each check.
//
// Health transitions happen only in markHealthy and markDegraded. A nil
// distributed store leaves the Coordinator degraded for its whole life.
type Coordinator struct {
	registry    *ratelimit.Registry
	local       LocalStore
	distributed ratelimit.DistributedStore

	logger           *slog.Logger
	now              func() time.Time
	timeout          time.Duration
	recoveryInterval time.Duration
	probeInterval    time.Duration
	expireInterval   time.Duration
	observers        []Observer
	tracer           trace.Tracer
	stats            *StatsService

	health      atomic.Int32
	lastAttempt atomic.Int64 // unix nanos of the last distributed attempt

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithDistributedTimeout bounds every call into the distributed store.
func WithDistributedTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRecoveryInterval sets how often a degraded Coordinator lets a check
// try the distributed store again. Zero retries on every check.
func WithRecoveryInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.recoveryInterval = d
		}
	}
}

// WithProbeInterval enables a background ping while degraded. Zero disables it.
func WithProbeInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.probeInterval = d
		}
	}
}

// WithExpireInterval sets how often stores implementing ratelimit.Expirer are swept.
func WithExpireInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.expireInterval = d
		}
	}
}

// WithObserver adds an observer.
func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithTracer sets the tracer used for the per-check span.
func WithTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithStats shares a StatsService with other components.
func WithStats(stats *StatsService) CoordinatorOption {
	return func(c *Coordinator) {
		if stats != nil {
			c.stats = stats
		}
	}
}

// NewCoordinator creates a Coordinator. distributed may be nil.
func NewCoordinator(
	registry *ratelimit.Registry,
	local LocalStore,
	distributed ratelimit.DistributedStore,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		registry:         registry,
		local:            local,
		distributed:      distributed,
		logger:           slog.Default(),
		now:              time.Now,
		timeout:          defaultDistributedTimeout,
		recoveryInterval: defaultRecoveryInterval,
		expireInterval:   defaultExpireInterval,
		tracer:           otel.Tracer(tracerName),
		stopChan:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stats == nil {
		c.stats = NewStatsService()
	}

	if distributed == nil {
		c.health.Store(int32(HealthDegraded))
	}
	c.notifyHealth(c.Health() == HealthHealthy)
	return c
}

// Health returns the current distributed store state.
func (c *Coordinator) Health() Health {
	return Health(c.health.Load())
}

// DistributedAvailable reports whether checks currently go to the distributed store.
func (c *Coordinator) DistributedAvailable() bool {
	return c.Health() == HealthHealthy
}

// Check decides whether one request for subject under ref may proceed.
// It never fails: store errors fall back to the local store and a missing
// or invalid config allows the request.
func (c *Coordinator) Check(ctx context.Context, ref ratelimit.ConfigRef, subject string) ratelimit.Decision {
	name, config, ok := c.resolve(ctx, ref)

	ctx, span := c.tracer.Start(ctx, "ratelimit.check",
		trace.WithAttributes(attribute.String("ratelimit.operation", name)))
	defer span.End()

	if !ok {
		d := ratelimit.Decision{Allowed: true, Backend: ratelimit.BackendNone}
		c.record(span, name, d)
		return d
	}

	key := ratelimit.FormatKey(config.KeyPrefix, subject)

	if c.shouldAttemptDistributed() {
		d, err := c.checkDistributed(ctx, key, config)
		if err == nil {
			c.markHealthy()
			c.record(span, name, d)
			return d
		}
		c.handleStoreError(ctx, span, name, err)
	}

	d, err := c.local.Check(ctx, key, config)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.loggerFor(ctx).Error("local rate limit store failed, allowing request",
			"operation", name,
			"error", err,
		)
		d = ratelimit.Decision{Allowed: true, Backend: ratelimit.BackendNone}
	}
	if c.distributed != nil {
		c.stats.RecordFallback()
	}
	c.record(span, name, d)
	return d
}

// resolve turns ref into an enforceable config. ok is false when the request
// should be allowed without consulting a store.
func (c *Coordinator) resolve(ctx context.Context, ref ratelimit.ConfigRef) (name string, config ratelimit.RateLimitConfig, ok bool) {
	switch r := ref.(type) {
	case ratelimit.ByName:
		name = string(r)
		cfg, err := c.registry.Lookup(name)
		if err != nil {
			c.loggerFor(ctx).Warn("operation has no rate limit configured, allowing request",
				"operation", name,
			)
			c.stats.RecordMissingConfig()
			return name, ratelimit.RateLimitConfig{}, false
		}
		return name, cfg, true

	case ratelimit.InlineRef:
		cfg := r.Config
		if err := cfg.Validate(); err != nil {
			c.loggerFor(ctx).Error("inline rate limit config is invalid, allowing request",
				"operation", r.Name,
				"error", err,
			)
			c.stats.RecordMissingConfig()
			return r.Name, ratelimit.RateLimitConfig{}, false
		}
		// Inline windows live under their own namespace so they never share
		// a key with a registered operation of the same name or prefix.
		if cfg.KeyPrefix == "" {
			cfg.KeyPrefix = r.Name + ":"
		}
		cfg.KeyPrefix = inlineKeyPrefix + cfg.KeyPrefix
		return r.Name, cfg, true

	default:
		c.loggerFor(ctx).Warn("nil rate limit config reference, allowing request")
		c.stats.RecordMissingConfig()
		return "", ratelimit.RateLimitConfig{}, false
	}
}

// shouldAttemptDistributed reports whether this check goes to the distributed
// store. While degraded, one check per recovery interval is let through.
func (c *Coordinator) shouldAttemptDistributed() bool {
	if c.distributed == nil {
		return false
	}
	if c.Health() == HealthHealthy || c.recoveryInterval == 0 {
		return true
	}
	last := c.lastAttempt.Load()
	now := c.now().UnixNano()
	if now-last < int64(c.recoveryInterval) {
		return false
	}
	return c.lastAttempt.CompareAndSwap(last, now)
}

func (c *Coordinator) checkDistributed(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.Decision, error) {
	c.lastAttempt.Store(c.now().UnixNano())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.distributed.Check(ctx, key, config)
}

func (c *Coordinator) handleStoreError(ctx context.Context, span trace.Span, name string, err error) {
	span.RecordError(err)

	switch {
	case ctx.Err() != nil:
		// The caller gave up; that says nothing about the store.
		c.loggerFor(ctx).Debug("distributed rate limit check abandoned by caller",
			"operation", name,
			"error", err,
		)
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		c.stats.RecordStoreUnavailable()
		c.notifyStoreError(StoreErrorUnavailable)
		c.markDegraded(err)
	default:
		c.stats.RecordStoreInternal()
		c.notifyStoreError(StoreErrorInternal)
		c.loggerFor(ctx).Error("distributed rate limit store failed, using local store for this request",
			"operation", name,
			"error", err,
		)
	}
}

// loggerFor returns the request-scoped logger carried by ctx, if any.
func (c *Coordinator) loggerFor(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return c.logger
}

func (c *Coordinator) markHealthy() {
	if c.health.CompareAndSwap(int32(HealthDegraded), int32(HealthHealthy)) {
		c.logger.Info("distributed rate limit store recovered")
		c.notifyHealth(true)
	}
}

func (c *Coordinator) markDegraded(err error) {
	if c.health.CompareAndSwap(int32(HealthHealthy), int32(HealthDegraded)) {
		c.logger.Warn("distributed rate limit store unavailable, falling back to local store",
			"error", err,
		)
		c.notifyHealth(false)
	}
}

func (c *Coordinator) record(span trace.Span, name string, d ratelimit.Decision) {
	if d.Allowed {
		c.stats.RecordAllow()
	} else {
		c.stats.RecordDeny()
	}
	c.stats.RecordOperation(name)

	span.SetAttributes(
		attribute.String("ratelimit.backend", string(d.Backend)),
		attribute.Bool("ratelimit.allowed", d.Allowed),
	)

	for _, o := range c.observers {
		o.ObserveDecision(name, d)
	}
}

func (c *Coordinator) notifyStoreError(kind string) {
	for _, o := range c.observers {
		o.ObserveStoreError(kind)
	}
}

func (c *Coordinator) notifyHealth(healthy bool) {
	for _, o := range c.observers {
		o.ObserveHealth(healthy)
	}
}

// Start launches local cleanup and, when configured, the distributed store
// sweeper and the recovery prober. Background work stops when ctx is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.local.StartCleanup(ctx)

		if expirer, ok := c.distributed.(ratelimit.Expirer); ok {
			c.wg.Add(1)
			go c.expireLoop(ctx, expirer)
		}
		if c.distributed != nil && c.probeInterval > 0 {
			c.wg.Add(1)
			go c.probeLoop(ctx)
		}
	})
}

func (c *Coordinator) expireLoop(ctx context.Context, expirer ratelimit.Expirer) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.expireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if !c.DistributedAvailable() {
				continue
			}
			sweepCtx, cancel := context.WithTimeout(ctx, c.timeout)
			removed, err := expirer.Expire(sweepCtx)
			cancel()
			if err != nil {
				c.logger.Warn("distributed rate limit store expiry failed", "error", err)
				continue
			}
			if removed > 0 {
				c.logger.Debug("distributed rate limit markers expired", "removed", removed)
			}
		}
	}
}

func (c *Coordinator) probeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.DistributedAvailable() {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			err := c.distributed.Ping(probeCtx)
			cancel()
			if err != nil {
				c.logger.Debug("distributed rate limit store still unavailable", "error", err)
				continue
			}
			c.markHealthy()
		}
	}
}

// Stop stops background work and waits for it to exit. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.local.Stop()
	c.wg.Wait()
}

// Stats is a read-only snapshot of the Coordinator.
type Stats struct {
	DistributedConfigured bool            `json:"distributed_configured"`
	DistributedAvailable  bool            `json:"distributed_available"`
	Health                string          `json:"health"`
	LocalKeys             int             `json:"local_keys"`
	Operations            []string        `json:"operations"`
	Counters              CounterSnapshot `json:"counters"`
}

// Stats returns a snapshot of health, local key count and counters.
func (c *Coordinator) Stats() Stats {
	health := c.Health()
	return Stats{
		DistributedConfigured: c.distributed != nil,
		DistributedAvailable:  health == HealthHealthy,
		Health:                health.String(),
		LocalKeys:             c.local.Size(),
		Operations:            c.registry.Names(),
		Counters:              c.stats.GetStats(),
	}
}

// Registry returns the config registry the Coordinator reads from.
func (c *Coordinator) Registry() *ratelimit.Registry {
	return c.registry
}

// Now returns the Coordinator's current time.
func (c *Coordinator) Now() time.Time {
	return c.now()
}
