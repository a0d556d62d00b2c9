package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/ratekeeper/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Server is the inbound adapter exposing the Admission facade over HTTP.
type Server struct {
	admission     *service.Admission
	server        *http.Server
	addr          string
	logger        *slog.Logger
	metrics       *Metrics
	registry      *prometheus.Registry
	healthChecker *HealthChecker
	extraHandler  http.Handler
	proxies       TrustedProxies
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics uses metrics already registered in reg, typically the same
// instance passed to the Coordinator as an observer.
func WithMetrics(metrics *Metrics, reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.registry = reg
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithTrustedProxies sets the reverse proxies whose forwarding headers are
// believed when resolving the client IP. Without it the peer address is used.
func WithTrustedProxies(proxies TrustedProxies) Option {
	return func(s *Server) {
		s.proxies = proxies
	}
}

// WithExtraHandler mounts h as the catch-all route, typically an application
// wrapped in AdmissionMiddleware.
func WithExtraHandler(h http.Handler) Option {
	return func(s *Server) {
		s.extraHandler = h
	}
}

// NewServer creates an HTTP server for the given admission facade.
func NewServer(admission *service.Admission, opts ...Option) *Server {
	s := &Server{
		admission: admission,
		addr:      "127.0.0.1:8080",
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(s.registry)
	}

	return s
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	// Middleware order (outermost first):
	// 1. MetricsMiddleware - Record duration and status (outermost to capture full duration)
	// 2. RequestID - Extract/generate request ID and enrich logger
	// 3. RealIP - Resolve client IP, reading proxy headers only from trusted proxies
	api := newAPIHandler(s.admission)

	mux := http.NewServeMux()
	mux.Handle("/v1/", api)
	if s.healthChecker != nil {
		mux.Handle("/health", s.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	if s.extraHandler != nil {
		mux.Handle("/", s.extraHandler)
	}

	var handler http.Handler = mux
	handler = RealIPMiddleware(s.proxies)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
