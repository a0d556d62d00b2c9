package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Sentinel-Gate/ratekeeper/internal/adapter/outbound/memory"
	redisstore "github.com/Sentinel-Gate/ratekeeper/internal/adapter/outbound/redis"
	"github.com/Sentinel-Gate/ratekeeper/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/ratekeeper/internal/adapter/outbound/telemetry"
	"github.com/Sentinel-Gate/ratekeeper/internal/config"
	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

// engine is the wired admission stack shared by start and check.
type engine struct {
	registry    *ratelimit.Registry
	local       *memory.WindowStore
	distributed ratelimit.DistributedStore
	coordinator *service.Coordinator
	admission   *service.Admission
	telemetry   *telemetry.Providers
	output      io.Closer
}

// buildEngine creates stores, the registry and the coordinator from cfg.
// Extra observers (Prometheus metrics) are attached to the coordinator.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, observers ...service.Observer) (*engine, error) {
	limits, err := cfg.RateLimits()
	if err != nil {
		return nil, err
	}
	registry := ratelimit.NewRegistry()
	if err := registry.Reload(limits); err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}

	e := &engine{
		registry: registry,
		local: memory.NewWindowStore(
			memory.WithCleanupInterval(config.Duration(cfg.Local.CleanupInterval, time.Minute)),
			memory.WithShards(cfg.Local.Shards),
			memory.WithLogger(logger),
		),
	}

	e.distributed, err = openDistributed(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []service.CoordinatorOption{
		service.WithLogger(logger),
		service.WithDistributedTimeout(config.Duration(cfg.Distributed.Timeout, 500*time.Millisecond)),
		service.WithRecoveryInterval(config.Duration(cfg.Distributed.RecoveryInterval, 5*time.Second)),
		service.WithProbeInterval(config.Duration(cfg.Distributed.ProbeInterval, 0)),
		service.WithExpireInterval(config.Duration(cfg.Distributed.ExpireInterval, time.Minute)),
	}
	for _, o := range observers {
		opts = append(opts, service.WithObserver(o))
	}

	if cfg.Telemetry.Enabled {
		telemetryOpts, err := e.setupTelemetry(cfg.Telemetry)
		if err != nil {
			e.Close()
			return nil, err
		}
		opts = append(opts, telemetryOpts...)
	}

	e.coordinator = service.NewCoordinator(registry, e.local, e.distributed, opts...)
	e.admission = service.NewAdmission(e.coordinator)
	return e, nil
}

// openDistributed returns nil when no shared store is configured.
// A Redis server that is down at startup is not fatal: the coordinator
// degrades on the first check and recovers when the server answers.
func openDistributed(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.DistributedStore, error) {
	if !cfg.DistributedEnabled() {
		logger.Warn("no distributed store configured, limits are enforced per process",
			"backend", cfg.Distributed.Backend)
		return nil, nil
	}

	buffer := config.Duration(cfg.Distributed.ExpiryBuffer, time.Second)

	switch cfg.Distributed.Backend {
	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, config.Duration(cfg.Distributed.Timeout, 500*time.Millisecond))
		defer cancel()
		store, err := redisstore.Dial(dialCtx, cfg.Distributed.RedisURL,
			redisstore.WithNamespace(cfg.Distributed.Namespace),
			redisstore.WithExpiryBuffer(buffer),
		)
		if store == nil {
			return nil, err
		}
		if err != nil {
			logger.Warn("redis not reachable at startup, starting with local fallback", "error", err)
		} else {
			logger.Info("connected to redis", "url", redactURL(cfg.Distributed.RedisURL))
		}
		return store, nil

	case config.BackendSQLite:
		store, err := sqlstore.Open(ctx, cfg.Distributed.SQLitePath,
			sqlstore.WithNamespace(cfg.Distributed.Namespace),
			sqlstore.WithExpiryBuffer(buffer),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info("opened sqlite store", "path", cfg.Distributed.SQLitePath)
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported distributed backend %q", cfg.Distributed.Backend)
	}
}

func (e *engine) setupTelemetry(cfg config.TelemetryConfig) ([]service.CoordinatorOption, error) {
	w, closer, err := openTelemetryOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	e.output = closer

	e.telemetry, err = telemetry.New(telemetry.Options{
		ServiceName:    "ratekeeper",
		Writer:         w,
		MetricInterval: config.Duration(cfg.MetricInterval, 30*time.Second),
		SampleRatio:    cfg.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	observer, err := telemetry.NewObserver(e.telemetry.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	return []service.CoordinatorOption{
		service.WithTracer(e.telemetry.Tracer()),
		service.WithObserver(observer),
	}, nil
}

// openTelemetryOutput resolves "stdout", "stderr" or "file://<path>".
func openTelemetryOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	path, ok := strings.CutPrefix(output, "file://")
	if !ok {
		return nil, nil, fmt.Errorf("invalid telemetry output: %s", output)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open telemetry output: %w", err)
	}
	return f, f, nil
}

// Start launches background cleanup, expiry and probing.
func (e *engine) Start(ctx context.Context) {
	e.coordinator.Start(ctx)
}

// Close stops background work and releases the stores.
func (e *engine) Close() error {
	var errs []error
	if e.coordinator != nil {
		e.coordinator.Stop()
	} else {
		e.local.Stop()
	}
	if e.distributed != nil {
		errs = append(errs, e.distributed.Close())
	}
	if e.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, e.telemetry.Shutdown(ctx))
		cancel()
	}
	if e.output != nil {
		errs = append(errs, e.output.Close())
	}
	return errors.Join(errs...)
}

// reload swaps the operation table after a config change.
// An invalid table is rejected and the previous one stays active.
func (e *engine) reload(cfg *config.Config, logger *slog.Logger) {
	limits, err := cfg.RateLimits()
	if err == nil {
		err = e.registry.Reload(limits)
	}
	if err != nil {
		logger.Error("config reload rejected, keeping previous operations", "error", err)
		return
	}
	logger.Info("operations reloaded", "operations", e.registry.Len())
}

// redactURL hides credentials in a connection URL for logging.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
