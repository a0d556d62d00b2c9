package ratelimit

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		op      string
		config  RateLimitConfig
		wantErr error
	}{
		{
			name:   "valid config",
			op:     "login",
			config: RateLimitConfig{Window: time.Minute, MaxRequests: 5},
		},
		{
			name:    "zero max requests",
			op:      "login",
			config:  RateLimitConfig{Window: time.Minute, MaxRequests: 0},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "negative max requests",
			op:      "login",
			config:  RateLimitConfig{Window: time.Minute, MaxRequests: -1},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "zero window",
			op:      "login",
			config:  RateLimitConfig{Window: 0, MaxRequests: 5},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "negative window",
			op:      "login",
			config:  RateLimitConfig{Window: -time.Second, MaxRequests: 5},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "empty operation name",
			op:      "",
			config:  RateLimitConfig{Window: time.Minute, MaxRequests: 5},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRegistry()
			err := r.Register(tt.op, tt.config)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Register() error = %v, want %v", err, tt.wantErr)
				}
				if r.Len() != 0 {
					t.Errorf("Len() = %d after rejected registration, want 0", r.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("Register() unexpected error: %v", err)
			}
			if r.Len() != 1 {
				t.Errorf("Len() = %d, want 1", r.Len())
			}
		})
	}
}

func TestRegistry_InvalidRegistrationDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("login", RateLimitConfig{Window: time.Minute, MaxRequests: 5}); err != nil {
		t.Fatalf("Register(login) error: %v", err)
	}
	if err := r.Register("broken", RateLimitConfig{Window: time.Minute}); err == nil {
		t.Fatal("Register(broken) expected error")
	}

	if _, err := r.Lookup("login"); err != nil {
		t.Errorf("Lookup(login) error: %v", err)
	}
	if _, err := r.Lookup("broken"); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("Lookup(broken) error = %v, want ErrConfigNotFound", err)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("create_post", RateLimitConfig{Window: time.Hour, MaxRequests: 30, KeyPrefix: "post:"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register("login", RateLimitConfig{Window: time.Minute, MaxRequests: 5}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, err := r.Lookup("create_post")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if got.KeyPrefix != "post:" {
		t.Errorf("KeyPrefix = %q, want %q", got.KeyPrefix, "post:")
	}

	got, err = r.Lookup("login")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if got.KeyPrefix != "login:" {
		t.Errorf("default KeyPrefix = %q, want %q", got.KeyPrefix, "login:")
	}

	if _, err := r.Lookup("nonexistent-op"); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("Lookup(nonexistent-op) error = %v, want ErrConfigNotFound", err)
	}

	if names := r.Names(); !reflect.DeepEqual(names, []string{"create_post", "login"}) {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegistry_Reload(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("login", RateLimitConfig{Window: time.Minute, MaxRequests: 5}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	// Invalid table is rejected as a whole.
	err := r.Reload(map[string]RateLimitConfig{
		"login":  {Window: time.Minute, MaxRequests: 10},
		"broken": {Window: 0, MaxRequests: 1},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Reload() error = %v, want ErrInvalidConfig", err)
	}
	got, _ := r.Lookup("login")
	if got.MaxRequests != 5 {
		t.Errorf("MaxRequests after rejected reload = %d, want 5", got.MaxRequests)
	}

	// Valid table replaces everything.
	err = r.Reload(map[string]RateLimitConfig{
		"upload": {Window: time.Second, MaxRequests: 2},
	})
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if _, err := r.Lookup("login"); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("login should be gone after reload, got %v", err)
	}
	if got, err := r.Lookup("upload"); err != nil || got.KeyPrefix != "upload:" {
		t.Errorf("Lookup(upload) = %+v, %v", got, err)
	}
}

func TestRegistry_ConcurrentReadsDuringReload(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register("login", RateLimitConfig{Window: time.Minute, MaxRequests: 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if _, err := r.Lookup("login"); err != nil {
					t.Errorf("Lookup() error during reload: %v", err)
					return
				}
			}
		}()
	}
	for i := 2; i < 50; i++ {
		_ = r.Reload(map[string]RateLimitConfig{"login": {Window: time.Minute, MaxRequests: i}})
	}
	wg.Wait()
}

func TestDecision_RetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)

	allowed := Decision{Allowed: true, ResetAt: now.Add(time.Second)}
	if got := allowed.RetryAfter(now); got != 0 {
		t.Errorf("allowed RetryAfter = %v, want 0", got)
	}

	denied := Decision{Allowed: false, ResetAt: now.Add(1500 * time.Millisecond)}
	if got := denied.RetryAfter(now); got != 1500*time.Millisecond {
		t.Errorf("denied RetryAfter = %v, want 1.5s", got)
	}

	stale := Decision{Allowed: false, ResetAt: now.Add(-time.Second)}
	if got := stale.RetryAfter(now); got != 0 {
		t.Errorf("stale RetryAfter = %v, want 0", got)
	}
}

func TestRateLimitedError(t *testing.T) {
	t.Parallel()

	var err error = &RateLimitedError{Operation: "login", RetryAfter: 1500*time.Millisecond + 1}
	rl, ok := IsRateLimited(err)
	if !ok {
		t.Fatal("IsRateLimited() = false, want true")
	}
	if rl.RetryAfterMs() != 1501 {
		t.Errorf("RetryAfterMs() = %d, want 1501", rl.RetryAfterMs())
	}
	if _, ok := IsRateLimited(ErrStoreUnavailable); ok {
		t.Error("IsRateLimited(ErrStoreUnavailable) = true, want false")
	}
}
