package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

// Observer records Coordinator events as OpenTelemetry instruments.
type Observer struct {
	decisions   metric.Int64Counter
	storeErrors metric.Int64Counter
	healthy     atomic.Int64
}

// NewObserver registers the admission instruments on mp.
func NewObserver(mp metric.MeterProvider) (*Observer, error) {
	meter := mp.Meter(InstrumentationName)
	o := &Observer{}
	o.healthy.Store(1)

	var err error
	o.decisions, err = meter.Int64Counter("ratekeeper.admission.decisions",
		metric.WithDescription("Admission decisions by operation, backend and result"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decisions counter: %w", err)
	}

	o.storeErrors, err = meter.Int64Counter("ratekeeper.store.errors",
		metric.WithDescription("Distributed store failures by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store errors counter: %w", err)
	}

	_, err = meter.Int64ObservableGauge("ratekeeper.distributed.healthy",
		metric.WithDescription("1 when the distributed store is in use, 0 when degraded"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(o.healthy.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create health gauge: %w", err)
	}

	return o, nil
}

// ObserveDecision implements service.Observer.
func (o *Observer) ObserveDecision(operation string, d ratelimit.Decision) {
	o.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", string(d.Backend)),
		attribute.Bool("allowed", d.Allowed),
	))
}

// ObserveStoreError implements service.Observer.
func (o *Observer) ObserveStoreError(kind string) {
	o.storeErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveHealth implements service.Observer.
func (o *Observer) ObserveHealth(healthy bool) {
	if healthy {
		o.healthy.Store(1)
	} else {
		o.healthy.Store(0)
	}
}
