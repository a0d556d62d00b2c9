// Package http provides the HTTP admission API for ratekeeper.
//
// # Usage
//
//	srv := http.NewServer(admission,
//	    http.WithAddr(":8080"),
//	    http.WithLogger(logger),
//	    http.WithMetrics(metrics, registry),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST /v1/admit  - Ask whether an operation may proceed for a subject
//	GET  /v1/stats  - Read-only coordinator snapshot
//	GET  /health    - Component checks (a degraded shared store is still healthy)
//	GET  /metrics   - Prometheus metrics
//
// A request to /v1/admit looks like:
//
//	{"operation": "login", "subject": "user-123"}
//
// An inline window can be supplied instead of a registered operation:
//
//	{"operation": "export", "subject": "user-123", "inline": {"window_ms": 60000, "max_requests": 3}}
//
// Denied requests get 429 with a Retry-After header (whole seconds, rounded
// up) and retry_after_ms in the body.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status class
//  2. RequestIDMiddleware - Extracts or generates X-Request-ID and enriches the logger
//  3. RealIPMiddleware - Resolves the client IP; proxy headers count only from trusted proxies
//  4. Handler
//
// AdmissionMiddleware can wrap any other handler to enforce a registered
// operation keyed by client IP (or a custom KeyFunc).
package http
