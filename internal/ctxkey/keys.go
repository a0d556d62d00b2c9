// Package ctxkey defines context key types shared by the transport and
// service layers. It must not import other internal packages.
package ctxkey

// LoggerKey is the context key for the request-scoped *slog.Logger.
// HTTP middleware stores a logger enriched with request_id under it and the
// coordinator logs through it when present.
type LoggerKey struct{}
