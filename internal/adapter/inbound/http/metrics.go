package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

const metricsNamespace = "ratekeeper"

// Metrics holds all Prometheus metrics for ratekeeper.
// It also implements service.Observer so the Coordinator can feed it directly.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AdmissionDecisions *prometheus.CounterVec
	StoreErrors        *prometheus.CounterVec
	DistributedHealthy prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=2xx/4xx/5xx/rate_limited
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AdmissionDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by operation, answering backend and result",
			},
			[]string{"operation", "backend", "result"}, // result=allowed/denied
		),
		StoreErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_errors_total",
				Help:      "Distributed store errors by kind",
			},
			[]string{"kind"}, // kind=unavailable/internal
		),
		DistributedHealthy: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "distributed_healthy",
				Help:      "1 when checks are routed to the distributed store, 0 when degraded",
			},
		),
	}
}

// WatchLocalKeys registers a gauge that reads the local store size on scrape.
func (m *Metrics) WatchLocalKeys(reg prometheus.Registerer, size func() int) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "local_keys",
			Help:      "Number of keys tracked by the local window store",
		},
		func() float64 { return float64(size()) },
	)
}

// ObserveDecision implements service.Observer.
func (m *Metrics) ObserveDecision(operation string, d ratelimit.Decision) {
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	m.AdmissionDecisions.WithLabelValues(operation, string(d.Backend), result).Inc()
}

// ObserveStoreError implements service.Observer.
func (m *Metrics) ObserveStoreError(kind string) {
	m.StoreErrors.WithLabelValues(kind).Inc()
}

// ObserveHealth implements service.Observer.
func (m *Metrics) ObserveHealth(healthy bool) {
	if healthy {
		m.DistributedHealthy.Set(1)
	} else {
		m.DistributedHealthy.Set(0)
	}
}

var _ service.Observer = (*Metrics)(nil)
