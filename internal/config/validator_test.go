package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		Operations: map[string]OperationConfig{
			"login": {Window: "1m", MaxRequests: 5},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_TrustedProxies(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1", "2001:db8::/32"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with CIDR and IP proxies unexpected error: %v", err)
	}
}

func TestValidate_NoOperations(t *testing.T) {
	t.Parallel()

	// An empty table is valid: every check fails open.
	cfg := minimalValidConfig()
	cfg.Operations = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with no operations unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "not an addr" },
			wantErr: "HTTPAddr must be a valid host:port",
		},
		{
			name:    "bad trusted proxy",
			mutate:  func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "proxy.internal"} },
			wantErr: "TrustedProxies[1]",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "LogLevel must be one of",
		},
		{
			name:    "bad backend",
			mutate:  func(c *Config) { c.Distributed.Backend = "etcd" },
			wantErr: "Backend must be one of: redis sqlite none",
		},
		{
			name:    "bad redis url",
			mutate:  func(c *Config) { c.Distributed.RedisURL = "::nope" },
			wantErr: "RedisURL must be a valid URL",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.Distributed.Timeout = "-1s" },
			wantErr: "Timeout must be a non-negative duration",
		},
		{
			name:    "too many shards",
			mutate:  func(c *Config) { c.Local.Shards = 100000 },
			wantErr: "Shards must be at most 4096",
		},
		{
			name:    "relative telemetry file",
			mutate:  func(c *Config) { c.Telemetry.Output = "file://traces.json" },
			wantErr: "file://<absolute-path>",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
			wantErr: "SampleRatio must be at most 1",
		},
		{
			name: "missing window",
			mutate: func(c *Config) {
				c.Operations["search"] = OperationConfig{MaxRequests: 10}
			},
			wantErr: "Window is required",
		},
		{
			name: "zero window",
			mutate: func(c *Config) {
				c.Operations["search"] = OperationConfig{Window: "0s", MaxRequests: 10}
			},
			wantErr: "operations.search",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_TelemetryOutputs(t *testing.T) {
	t.Parallel()

	for _, output := range []string{"stdout", "stderr", "file:///var/log/ratekeeper/otel.json"} {
		cfg := minimalValidConfig()
		cfg.Telemetry.Output = output
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() with output %q: %v", output, err)
		}
	}
}
