package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps operation names to their rate limit config.
//
// Lookups read an immutable snapshot and never block. Register and Reload
// build a new snapshot and swap it in, so readers never observe a partially
// applied table.
type Registry struct {
	mu      sync.Mutex // serializes writers
	configs atomic.Pointer[map[string]RateLimitConfig]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]RateLimitConfig)
	r.configs.Store(&empty)
	return r
}

// Register adds or replaces the config for an operation.
// Returns an error wrapping ErrInvalidConfig if the config cannot be enforced.
func (r *Registry) Register(name string, config RateLimitConfig) error {
	config, err := normalize(name, config)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.configs.Load()
	next := make(map[string]RateLimitConfig, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = config
	r.configs.Store(&next)
	return nil
}

// Lookup returns the config registered for name, or ErrConfigNotFound.
func (r *Registry) Lookup(name string) (RateLimitConfig, error) {
	config, ok := (*r.configs.Load())[name]
	if !ok {
		return RateLimitConfig{}, fmt.Errorf("%w: %q", ErrConfigNotFound, name)
	}
	return config, nil
}

// Reload replaces the whole table. Every entry is validated first; if any
// entry is invalid the current table is kept and the error is returned.
func (r *Registry) Reload(configs map[string]RateLimitConfig) error {
	next := make(map[string]RateLimitConfig, len(configs))
	for name, config := range configs {
		normalized, err := normalize(name, config)
		if err != nil {
			return err
		}
		next[name] = normalized
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs.Store(&next)
	return nil
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	current := *r.configs.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	return len(*r.configs.Load())
}

func normalize(name string, config RateLimitConfig) (RateLimitConfig, error) {
	if name == "" {
		return RateLimitConfig{}, fmt.Errorf("%w: operation name is required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return RateLimitConfig{}, fmt.Errorf("operation %q: %w", name, err)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = name + ":"
	}
	return config, nil
}
