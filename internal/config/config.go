// Package config provides configuration types for ratekeeper.
//
// Configuration is file based (YAML) with environment overrides. Durations are
// written as Go duration strings ("500ms", "1m") and validated before use.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

// Store backends accepted by distributed.backend.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// Config is the top-level configuration for ratekeeper.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Distributed configures the shared window store.
	Distributed DistributedConfig `yaml:"distributed" mapstructure:"distributed"`

	// Local configures the in-process fallback store.
	Local LocalConfig `yaml:"local" mapstructure:"local"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Operations maps operation names to their windows.
	// Names are case-insensitive; viper lowercases map keys.
	Operations map[string]OperationConfig `yaml:"operations" mapstructure:"operations" validate:"omitempty,dive"`

	// DevMode enables debug logging and a sample operation when none is configured.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TrustedProxies lists CIDRs or IPs of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	// Empty means the connection's peer address is the client IP.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr|ip"`
}

// DistributedConfig configures the shared store used across processes.
type DistributedConfig struct {
	// Backend selects the store: "redis", "sqlite" or "none".
	// Defaults to "redis".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,store_backend"`

	// RedisURL is the Redis connection URL (e.g., "redis://localhost:6379/0").
	// Empty means no shared store and the engine runs degraded on local windows.
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url" validate:"omitempty,url"`

	// SQLitePath is the database file shared by processes on one host.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// Namespace is prepended to every distributed key.
	// Defaults to "ratekeeper:".
	Namespace string `yaml:"namespace" mapstructure:"namespace"`

	// Timeout bounds each distributed call (e.g., "500ms").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// ExpiryBuffer is added to the window when setting key expiry.
	ExpiryBuffer string `yaml:"expiry_buffer" mapstructure:"expiry_buffer" validate:"omitempty,duration"`

	// RecoveryInterval is how often a degraded engine retries the shared store.
	// "0s" retries on every check.
	RecoveryInterval string `yaml:"recovery_interval" mapstructure:"recovery_interval" validate:"omitempty,duration"`

	// ProbeInterval enables a background health probe. "0s" disables it.
	ProbeInterval string `yaml:"probe_interval" mapstructure:"probe_interval" validate:"omitempty,duration"`

	// ExpireInterval is how often stores without native key expiry are swept.
	ExpireInterval string `yaml:"expire_interval" mapstructure:"expire_interval" validate:"omitempty,duration"`
}

// LocalConfig configures the in-process window store.
type LocalConfig struct {
	// CleanupInterval is how often idle windows are collected (e.g., "60s").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// Shards is the number of lock shards. Defaults to 32.
	Shards int `yaml:"shards" mapstructure:"shards" validate:"omitempty,min=1,max=4096"`
}

// TelemetryConfig configures OpenTelemetry tracing and metric export.
type TelemetryConfig struct {
	// Enabled installs the SDK providers. When false spans are no-ops.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Output is "stdout", "stderr" or "file://<absolute-path>".
	// Defaults to "stderr".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,telemetry_output"`

	// SampleRatio is the fraction of checks traced. Defaults to 1.
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"min=0,max=1"`

	// MetricInterval is how often metrics are exported (e.g., "30s").
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// OperationConfig is the YAML form of a rate limit window.
type OperationConfig struct {
	// Window is the sliding window length (e.g., "1m").
	Window string `yaml:"window" mapstructure:"window" validate:"required,duration"`

	// MaxRequests is the number of requests allowed per window.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"required,min=1"`

	// KeyPrefix overrides the default "<operation>:" prefix.
	KeyPrefix string `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// RateLimit converts the operation to a domain config.
func (o OperationConfig) RateLimit() (ratelimit.RateLimitConfig, error) {
	window, err := time.ParseDuration(o.Window)
	if err != nil {
		return ratelimit.RateLimitConfig{}, fmt.Errorf("%w: window %q: %v", ratelimit.ErrInvalidConfig, o.Window, err)
	}
	cfg := ratelimit.RateLimitConfig{
		Window:      window,
		MaxRequests: o.MaxRequests,
		KeyPrefix:   o.KeyPrefix,
	}
	return cfg, cfg.Validate()
}

// RateLimits converts every configured operation, as accepted by Registry.Reload.
func (c *Config) RateLimits() (map[string]ratelimit.RateLimitConfig, error) {
	out := make(map[string]ratelimit.RateLimitConfig, len(c.Operations))
	for _, name := range c.OperationNames() {
		cfg, err := c.Operations[name].RateLimit()
		if err != nil {
			return nil, fmt.Errorf("operations.%s: %w", name, err)
		}
		out[name] = cfg
	}
	return out, nil
}

// OperationNames returns the configured operation names in sorted order.
func (c *Config) OperationNames() []string {
	names := make([]string, 0, len(c.Operations))
	for name := range c.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DistributedEnabled reports whether a shared store is configured.
func (c *Config) DistributedEnabled() bool {
	switch c.Distributed.Backend {
	case BackendRedis:
		return c.Distributed.RedisURL != ""
	case BackendSQLite:
		return c.Distributed.SQLitePath != ""
	default:
		return false
	}
}

// Duration parses a validated duration string, returning def when s is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// Provide a sample operation so `start --dev` does something observable.
	if len(c.Operations) == 0 {
		c.Operations = map[string]OperationConfig{
			"dev": {Window: "10s", MaxRequests: 5},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults: bind to localhost only.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Distributed store defaults
	if c.Distributed.Backend == "" {
		c.Distributed.Backend = BackendRedis
	}
	if c.Distributed.Namespace == "" {
		c.Distributed.Namespace = "ratekeeper:"
	}
	if c.Distributed.Timeout == "" {
		c.Distributed.Timeout = "500ms"
	}
	if c.Distributed.ExpiryBuffer == "" {
		c.Distributed.ExpiryBuffer = "1s"
	}
	if c.Distributed.RecoveryInterval == "" {
		c.Distributed.RecoveryInterval = "5s"
	}
	if c.Distributed.ProbeInterval == "" {
		c.Distributed.ProbeInterval = "0s"
	}
	if c.Distributed.ExpireInterval == "" {
		c.Distributed.ExpireInterval = "60s"
	}

	// Local store defaults
	if c.Local.CleanupInterval == "" {
		c.Local.CleanupInterval = "60s"
	}
	if c.Local.Shards == 0 {
		c.Local.Shards = 32
	}

	// Telemetry defaults. SampleRatio defaults through viper so an explicit 0 survives.
	if c.Telemetry.Output == "" {
		c.Telemetry.Output = "stderr"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "30s"
	}

	if c.Operations == nil {
		c.Operations = map[string]OperationConfig{}
	}
}
