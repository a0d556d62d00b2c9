package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/ratekeeper/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/ratekeeper/internal/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the admission server",
	Long: `Start the ratekeeper HTTP server.

Endpoints:
  POST /v1/admit   admission decision for {"operation", "subject"}
  GET  /v1/stats   health state, local key count and counters
  GET  /health     liveness and distributed store state
  GET  /metrics    Prometheus metrics

Examples:
  # Start with config file settings
  ratekeeper start

  # Reload operations whenever the config file changes
  ratekeeper start --watch

  # Start with a specific config file
  ratekeeper --config /path/to/config.yaml start`,
	RunE: runStart,
}

var (
	devMode     bool
	watchConfig bool
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, sample operation)")
	startCmd.Flags().BoolVar(&watchConfig, "watch", false, "Reload operations when the config file changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if devMode {
		loader.Set("dev_mode", true)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)

	if configFile := loader.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("ratekeeper stopped")
	return nil
}

// run wires the engine, metrics and HTTP server and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled, do not use in production")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(reg)

	eng, err := buildEngine(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("error during engine shutdown", "error", err)
		}
	}()

	metrics.WatchLocalKeys(reg, eng.local.Size)
	eng.Start(ctx)

	if watchConfig {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				logger.Error("config reload rejected, keeping previous operations", "error", err)
				return
			}
			eng.reload(next, logger)
		})
		logger.Info("watching config for changes", "file", loader.ConfigFileUsed())
	}

	logger.Info("admission engine ready",
		"operations", strings.Join(eng.registry.Names(), ","),
		"distributed", cfg.DistributedEnabled(),
		"backend", cfg.Distributed.Backend,
	)

	proxies, err := http.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	server := http.NewServer(eng.admission,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithTrustedProxies(proxies),
		http.WithLogger(logger),
		http.WithMetrics(metrics, reg),
		http.WithHealthChecker(http.NewHealthChecker(eng.coordinator, Version)),
	)
	return server.Start(ctx)
}

// newLogger writes text logs to stderr at the configured level.
// DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
