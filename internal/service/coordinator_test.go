package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/ratekeeper/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/ratekeeper/internal/ctxkey"
	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDistributed counts with an in-memory window and fails on demand.
type fakeDistributed struct {
	inner *memory.WindowStore

	mu      sync.Mutex
	err     error
	pingErr error
	block   bool
	calls   int
	pings   int
	expires atomic.Int64
}

func newFakeDistributed(now func() time.Time) *fakeDistributed {
	return &fakeDistributed{inner: memory.NewWindowStore(memory.WithClock(now))}
}

func (f *fakeDistributed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeDistributed) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeDistributed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDistributed) Check(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.Decision, error) {
	f.mu.Lock()
	f.calls++
	err, block := f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ratelimit.Decision{}, fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, ctx.Err())
	}
	if err != nil {
		return ratelimit.Decision{}, err
	}
	d, err := f.inner.Check(ctx, key, config)
	d.Backend = ratelimit.BackendDistributed
	return d, err
}

func (f *fakeDistributed) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeDistributed) Close() error { return nil }

type expiringFake struct {
	*fakeDistributed
}

func (f expiringFake) Expire(ctx context.Context) (int64, error) {
	f.expires.Add(1)
	return 0, nil
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	mu        sync.Mutex
	decisions []ratelimit.Decision
	errors    []string
	health    []bool
}

func (o *recordingObserver) ObserveDecision(operation string, d ratelimit.Decision) {
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveStoreError(kind string) {
	o.mu.Lock()
	o.errors = append(o.errors, kind)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveHealth(healthy bool) {
	o.mu.Lock()
	o.health = append(o.health, healthy)
	o.mu.Unlock()
}

func (o *recordingObserver) healthEvents() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.health...)
}

var loginConfig = ratelimit.RateLimitConfig{Window: time.Second, MaxRequests: 3}

func newTestRegistry(t *testing.T) *ratelimit.Registry {
	t.Helper()
	r := ratelimit.NewRegistry()
	if err := r.Register("login", loginConfig); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	return r
}

func newTestCoordinator(t *testing.T, clock *fakeClock, dist ratelimit.DistributedStore, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	local := memory.NewWindowStore(memory.WithClock(clock.Now))
	base := []CoordinatorOption{
		WithLogger(discardLogger()),
		WithClock(clock.Now),
		WithRecoveryInterval(0),
	}
	return NewCoordinator(newTestRegistry(t), local, dist, append(base, opts...)...)
}

func TestCoordinator_UsesDistributedWhenHealthy(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	c := newTestCoordinator(t, clock, dist)

	d := c.Check(context.Background(), ratelimit.ByName("login"), "alice")
	if !d.Allowed || d.Backend != ratelimit.BackendDistributed {
		t.Fatalf("decision = %+v, want allowed by distributed", d)
	}
	if d.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", d.Remaining)
	}
	if !c.DistributedAvailable() {
		t.Error("DistributedAvailable() = false, want true")
	}
	if c.Stats().LocalKeys != 0 {
		t.Errorf("LocalKeys = %d, want 0", c.Stats().LocalKeys)
	}
}

func TestCoordinator_FallbackIsTransparent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	dist.setErr(fmt.Errorf("%w: connection refused", ratelimit.ErrStoreUnavailable))
	c := newTestCoordinator(t, clock, dist)

	allowed := 0
	for i := 0; i < 5; i++ {
		d := c.Check(context.Background(), ratelimit.ByName("login"), "alice")
		if d.Backend != ratelimit.BackendLocal {
			t.Fatalf("check #%d Backend = %q, want local", i+1, d.Backend)
		}
		if d.Allowed {
			allowed++
		}
	}

	// Failed distributed attempts must not count against the local window.
	if allowed != loginConfig.MaxRequests {
		t.Errorf("allowed = %d, want %d", allowed, loginConfig.MaxRequests)
	}

	stats := c.Stats()
	if stats.DistributedAvailable {
		t.Error("DistributedAvailable = true after store failures")
	}
	if stats.Health != "degraded" {
		t.Errorf("Health = %q, want degraded", stats.Health)
	}
	if stats.LocalKeys != 1 {
		t.Errorf("LocalKeys = %d, want 1", stats.LocalKeys)
	}
	if stats.Counters.Fallback != 5 {
		t.Errorf("Fallback = %d, want 5", stats.Counters.Fallback)
	}
	if stats.Counters.StoreUnavailable != 5 {
		t.Errorf("StoreUnavailable = %d, want 5 (recovery interval 0 retries each check)", stats.Counters.StoreUnavailable)
	}
}

func TestCoordinator_RecoversOnNextSuccess(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	c := newTestCoordinator(t, clock, dist)

	dist.setErr(fmt.Errorf("%w: timeout", ratelimit.ErrStoreUnavailable))
	for i := 0; i < 3; i++ {
		c.Check(context.Background(), ratelimit.ByName("login"), "bob")
	}
	if c.DistributedAvailable() {
		t.Fatal("expected degraded after failures")
	}

	dist.setErr(nil)
	d := c.Check(context.Background(), ratelimit.ByName("login"), "bob")
	if d.Backend != ratelimit.BackendDistributed {
		t.Errorf("Backend = %q, want distributed result on recovery", d.Backend)
	}
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("decision = %+v, want fresh distributed window", d)
	}
	if !c.Stats().DistributedAvailable {
		t.Error("DistributedAvailable = false after successful distributed call")
	}
}

func TestCoordinator_RecoveryInterval(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	c := newTestCoordinator(t, clock, dist, WithRecoveryInterval(5*time.Second))

	dist.setErr(fmt.Errorf("%w: down", ratelimit.ErrStoreUnavailable))
	c.Check(context.Background(), ratelimit.ByName("login"), "carol")
	if c.DistributedAvailable() {
		t.Fatal("expected degraded")
	}
	calls := dist.Calls()

	dist.setErr(nil)
	clock.Advance(4 * time.Second)
	if d := c.Check(context.Background(), ratelimit.ByName("login"), "carol"); d.Backend != ratelimit.BackendLocal {
		t.Errorf("Backend = %q inside recovery interval, want local", d.Backend)
	}
	if dist.Calls() != calls {
		t.Errorf("distributed store called inside recovery interval")
	}

	clock.Advance(time.Second)
	if d := c.Check(context.Background(), ratelimit.ByName("login"), "carol"); d.Backend != ratelimit.BackendDistributed {
		t.Errorf("Backend = %q after recovery interval, want distributed", d.Backend)
	}
	if !c.DistributedAvailable() {
		t.Error("expected healthy after recovery")
	}
}

func TestCoordinator_InternalErrorKeepsHealth(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	obs := &recordingObserver{}
	c := newTestCoordinator(t, clock, dist, WithObserver(obs))

	dist.setErr(fmt.Errorf("%w: unexpected script reply", ratelimit.ErrStoreInternal))
	d := c.Check(context.Background(), ratelimit.ByName("login"), "dave")
	if !d.Allowed || d.Backend != ratelimit.BackendLocal {
		t.Errorf("decision = %+v, want local fallback", d)
	}
	if !c.DistributedAvailable() {
		t.Error("internal error must not degrade the store")
	}

	stats := c.Stats()
	if stats.Counters.StoreInternal != 1 || stats.Counters.StoreUnavailable != 0 {
		t.Errorf("counters = %+v, want one internal error", stats.Counters)
	}
	if len(obs.errors) != 1 || obs.errors[0] != StoreErrorInternal {
		t.Errorf("observed errors = %v, want [internal]", obs.errors)
	}
}

func TestCoordinator_UnclassifiedErrorFallsBack(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	c := newTestCoordinator(t, clock, dist)

	dist.setErr(errors.New("boom"))
	d := c.Check(context.Background(), ratelimit.ByName("login"), "erin")
	if d.Backend != ratelimit.BackendLocal {
		t.Errorf("Backend = %q, want local", d.Backend)
	}
	if c.Stats().Counters.StoreInternal != 1 {
		t.Errorf("unclassified errors should count as internal")
	}
}

func TestCoordinator_DistributedTimeout(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	dist.block = true
	c := newTestCoordinator(t, clock, dist, WithDistributedTimeout(20*time.Millisecond))

	start := time.Now()
	d := c.Check(context.Background(), ratelimit.ByName("login"), "frank")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Check() took %v, timeout not applied", elapsed)
	}
	if !d.Allowed || d.Backend != ratelimit.BackendLocal {
		t.Errorf("decision = %+v, want local fallback", d)
	}
	if c.DistributedAvailable() {
		t.Error("timeout should degrade the store")
	}
}

func TestCoordinator_CallerCancellationKeepsHealth(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	dist.block = true
	c := newTestCoordinator(t, clock, dist)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := c.Check(ctx, ratelimit.ByName("login"), "gina")
	if d.Backend != ratelimit.BackendLocal {
		t.Errorf("Backend = %q, want local", d.Backend)
	}
	if !c.DistributedAvailable() {
		t.Error("caller cancellation must not degrade the store")
	}
}

func TestCoordinator_MissingConfigFailsOpen(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	c := newTestCoordinator(t, clock, dist)

	for i := 0; i < 100; i++ {
		d := c.Check(context.Background(), ratelimit.ByName("nonexistent-op"), "subject-1")
		if !d.Allowed {
			t.Fatalf("check #%d denied, want fail-open", i+1)
		}
		if d.Backend != ratelimit.BackendNone {
			t.Fatalf("Backend = %q, want none", d.Backend)
		}
	}
	if dist.Calls() != 0 {
		t.Errorf("distributed store called %d times for unconfigured operation", dist.Calls())
	}
	if got := c.Stats().Counters.MissingConfig; got != 100 {
		t.Errorf("MissingConfig = %d, want 100", got)
	}
}

func TestCoordinator_LogsWithRequestLogger(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := newTestCoordinator(t, clock, nil)

	var buf bytes.Buffer
	reqLogger := slog.New(slog.NewTextHandler(&buf, nil)).With("request_id", "req-42")
	ctx := context.WithValue(context.Background(), ctxkey.LoggerKey{}, reqLogger)

	c.Check(ctx, ratelimit.ByName("nonexistent-op"), "subject-1")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-42") || !strings.Contains(out, "operation=nonexistent-op") {
		t.Errorf("request logger output = %q, want the missing config warning with request_id", out)
	}
}

func TestCoordinator_InlineNamedLikeRegisteredOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
	}{
		{name: "default prefix", prefix: ""},
		{name: "registered prefix", prefix: "login:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := newFakeClock()
			c := newTestCoordinator(t, clock, nil)

			cfg := loginConfig
			cfg.KeyPrefix = tt.prefix
			ref := ratelimit.Inline("login", cfg)
			for i := 0; i < loginConfig.MaxRequests+2; i++ {
				c.Check(context.Background(), ref, "ivan")
			}

			for i := 0; i < loginConfig.MaxRequests; i++ {
				if d := c.Check(context.Background(), ratelimit.ByName("login"), "ivan"); !d.Allowed {
					t.Fatalf("registered login check %d = %+v, want allowed", i+1, d)
				}
			}
		})
	}
}

func TestCoordinator_InlineConfig(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := newTestCoordinator(t, clock, nil)

	ref := ratelimit.Inline("export", ratelimit.RateLimitConfig{Window: time.Minute, MaxRequests: 1})
	if d := c.Check(context.Background(), ref, "hank"); !d.Allowed || d.Backend != ratelimit.BackendLocal {
		t.Fatalf("first inline check = %+v, want allowed locally", d)
	}
	if d := c.Check(context.Background(), ref, "hank"); d.Allowed {
		t.Error("second inline check should be denied")
	}

	// Same subject under a registered operation uses a separate window.
	if d := c.Check(context.Background(), ratelimit.ByName("login"), "hank"); !d.Allowed {
		t.Error("login window must be independent of the inline window")
	}

	invalid := ratelimit.Inline("broken", ratelimit.RateLimitConfig{Window: 0, MaxRequests: 1})
	if d := c.Check(context.Background(), invalid, "hank"); !d.Allowed || d.Backend != ratelimit.BackendNone {
		t.Errorf("invalid inline config = %+v, want fail-open", d)
	}

	if d := c.Check(context.Background(), nil, "hank"); !d.Allowed {
		t.Error("nil config reference should fail open")
	}
}

func TestCoordinator_NoDistributedStore(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := newTestCoordinator(t, clock, nil)

	d := c.Check(context.Background(), ratelimit.ByName("login"), "ivy")
	if d.Backend != ratelimit.BackendLocal {
		t.Errorf("Backend = %q, want local", d.Backend)
	}

	stats := c.Stats()
	if stats.DistributedConfigured || stats.DistributedAvailable {
		t.Errorf("stats = %+v, want no distributed store", stats)
	}
	if stats.Counters.Fallback != 0 {
		t.Errorf("Fallback = %d, local-only mode is not a fallback", stats.Counters.Fallback)
	}
	if len(stats.Operations) != 1 || stats.Operations[0] != "login" {
		t.Errorf("Operations = %v", stats.Operations)
	}
}

func TestCoordinator_HealthTransitionsOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dist := newFakeDistributed(clock.Now)
	obs := &recordingObserver{}
	c := newTestCoordinator(t, clock, dist, WithObserver(obs))

	dist.setErr(fmt.Errorf("%w: down", ratelimit.ErrStoreUnavailable))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Check(context.Background(), ratelimit.ByName("login"), fmt.Sprintf("user-%d", i))
		}(i)
	}
	wg.Wait()

	dist.setErr(nil)
	for i := 0; i < 10; i++ {
		c.Check(context.Background(), ratelimit.ByName("login"), "after")
	}

	want := []bool{true, false, true}
	got := obs.healthEvents()
	if len(got) != len(want) {
		t.Fatalf("health events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("health events = %v, want %v", got, want)
		}
	}
}

func TestCoordinator_ProberRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)

	dist := newFakeDistributed(time.Now)
	local := memory.NewWindowStore(memory.WithCleanupInterval(10 * time.Millisecond))
	c := NewCoordinator(newTestRegistry(t), local, dist,
		WithLogger(discardLogger()),
		WithRecoveryInterval(time.Hour),
		WithProbeInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	dist.setErr(fmt.Errorf("%w: down", ratelimit.ErrStoreUnavailable))
	dist.setPingErr(fmt.Errorf("%w: down", ratelimit.ErrStoreUnavailable))
	c.Check(ctx, ratelimit.ByName("login"), "jack")
	if c.DistributedAvailable() {
		t.Fatal("expected degraded")
	}

	dist.setErr(nil)
	dist.setPingErr(nil)

	deadline := time.Now().Add(2 * time.Second)
	for !c.DistributedAvailable() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.DistributedAvailable() {
		t.Error("prober did not restore health")
	}

	c.Stop()
	c.Stop()
}

func TestCoordinator_ExpiresDistributedStore(t *testing.T) {
	defer goleak.VerifyNone(t)

	dist := expiringFake{newFakeDistributed(time.Now)}
	local := memory.NewWindowStore()
	c := NewCoordinator(newTestRegistry(t), local, dist,
		WithLogger(discardLogger()),
		WithExpireInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for dist.expires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dist.expires.Load() == 0 {
		t.Error("Expire() was never called")
	}

	c.Stop()
}

func TestCoordinator_TracesChecks(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	clock := newFakeClock()
	c := newTestCoordinator(t, clock, newFakeDistributed(clock.Now), WithTracer(provider.Tracer("test")))

	c.Check(context.Background(), ratelimit.ByName("login"), "kate")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "ratelimit.check" {
		t.Errorf("span name = %q", spans[0].Name())
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["ratelimit.operation"].AsString() != "login" {
		t.Errorf("operation attribute = %v", attrs["ratelimit.operation"])
	}
	if attrs["ratelimit.backend"].AsString() != "distributed" {
		t.Errorf("backend attribute = %v", attrs["ratelimit.backend"])
	}
	if !attrs["ratelimit.allowed"].AsBool() {
		t.Errorf("allowed attribute = %v", attrs["ratelimit.allowed"])
	}
}

func TestHealth_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		h    Health
		want string
	}{
		{HealthHealthy, "healthy"},
		{HealthDegraded, "degraded"},
		{Health(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.h.String(); got != tt.want {
			t.Errorf("Health(%d).String() = %q, want %q", tt.h, got, tt.want)
		}
	}
}
