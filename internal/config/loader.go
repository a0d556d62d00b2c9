package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader reads Config from a file and the environment.
// Each Loader owns its viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader initializes a Loader with the configuration file and environment variables.
// If configFile is empty, it searches for ratekeeper.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func NewLoader(configFile string) *Loader {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		// Without search paths ReadInConfig returns ConfigFileNotFoundError,
		// which Load treats as env-only configuration.
		v.SetConfigName("ratekeeper")
		v.SetConfigType("yaml")
	}

	// Environment variable support: RATEKEEPER_DISTRIBUTED_REDIS_URL
	v.SetEnvPrefix("RATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindNestedEnvKeys(v)

	v.SetDefault("telemetry.sample_ratio", 1.0)

	return &Loader{v: v}
}

// findConfigFile searches standard locations for a ratekeeper config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".ratekeeper"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "ratekeeper"))
		}
	} else {
		paths = append(paths, "/etc/ratekeeper")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for ratekeeper.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "ratekeeper"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// Example: RATEKEEPER_SERVER_HTTP_ADDR overrides server.http_addr
func bindNestedEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.trusted_proxies",

		"distributed.backend",
		"distributed.redis_url",
		"distributed.sqlite_path",
		"distributed.namespace",
		"distributed.timeout",
		"distributed.expiry_buffer",
		"distributed.recovery_interval",
		"distributed.probe_interval",
		"distributed.expire_interval",

		"local.cleanup_interval",
		"local.shards",

		"telemetry.enabled",
		"telemetry.output",
		"telemetry.sample_ratio",
		"telemetry.metric_interval",

		"dev_mode",
	} {
		_ = v.BindEnv(key)
	}
	// Note: operations is a map, complex to override via env.
	// Users should use the config file for operations.
}

// Load reads the configuration file, applies environment overrides,
// sets defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func (l *Loader) LoadRaw() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// Watch reloads the configuration whenever the file changes and passes the
// result to onChange. Invalid files are reported through err with a nil cfg.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			onChange(nil, fmt.Errorf("failed to unmarshal config: %w", err))
			return
		}
		cfg.SetDefaults()
		cfg.SetDevDefaults()
		if err := cfg.Validate(); err != nil {
			onChange(nil, fmt.Errorf("config validation failed: %w", err))
			return
		}
		onChange(&cfg, nil)
	})
	l.v.WatchConfig()
}

// Set overrides a key, typically from a CLI flag.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}
