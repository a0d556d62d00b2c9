// Package sqlstore provides a distributed sliding window store on a SQL
// table. Every process opening the same SQLite file shares the same windows.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

const (
	defaultExpiryBuffer = time.Second
	defaultBusyTimeout  = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_markers (
	key        TEXT    NOT NULL,
	ts_ms      INTEGER NOT NULL,
	nonce      TEXT    NOT NULL,
	expires_ms INTEGER NOT NULL,
	PRIMARY KEY (key, nonce)
);
CREATE INDEX IF NOT EXISTS rate_markers_key_ts ON rate_markers (key, ts_ms);
CREATE INDEX IF NOT EXISTS rate_markers_expires ON rate_markers (expires_ms);
`

// WindowStore implements ratelimit.DistributedStore on a SQLite table.
// Each check runs in one immediate transaction, so concurrent checks on the
// same file are serialized by the database lock.
type WindowStore struct {
	db           *sql.DB
	now          func() time.Time
	nonce        func() string
	namespace    string
	expiryBuffer time.Duration
}

// Option configures a WindowStore.
type Option func(*WindowStore)

// WithClock overrides the time source used to stamp markers.
func WithClock(now func() time.Time) Option {
	return func(s *WindowStore) {
		s.now = now
	}
}

// WithNamespace sets the prefix for every key written by the store.
func WithNamespace(namespace string) Option {
	return func(s *WindowStore) {
		s.namespace = namespace
	}
}

// WithExpiryBuffer sets how long past the window an idle key's rows survive
// before Expire removes them.
func WithExpiryBuffer(d time.Duration) Option {
	return func(s *WindowStore) {
		if d >= 0 {
			s.expiryBuffer = d
		}
	}
}

// WithNonce overrides the marker nonce generator.
func WithNonce(nonce func() string) Option {
	return func(s *WindowStore) {
		s.nonce = nonce
	}
}

// DSN builds a modernc.org/sqlite data source name for path with WAL
// journaling, a busy timeout and immediate transactions.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", defaultBusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the SQLite file at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*WindowStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	store, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*WindowStore, error) {
	s := &WindowStore{
		db:           db,
		now:          time.Now,
		nonce:        func() string { return uuid.New().String() },
		namespace:    "",
		expiryBuffer: defaultExpiryBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, classify(fmt.Errorf("apply schema: %w", err))
	}
	return s, nil
}

// Check trims, counts and conditionally inserts inside one transaction.
func (s *WindowStore) Check(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.Decision, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	windowMs := config.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	expiresMs := nowMs + windowMs + s.expiryBuffer.Milliseconds()
	fullKey := s.namespace + key

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("begin transaction for key %v: %w", key, err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_markers WHERE key = ? AND ts_ms <= ?`,
		fullKey, nowMs-windowMs); err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("trim key %v: %w", key, err))
	}

	var count int
	var oldest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(ts_ms), 0) FROM rate_markers WHERE key = ?`,
		fullKey).Scan(&count, &oldest); err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("count key %v: %w", key, err))
	}

	if count >= config.MaxRequests {
		if err := tx.Commit(); err != nil {
			return ratelimit.Decision{}, classify(fmt.Errorf("commit key %v: %w", key, err))
		}
		return ratelimit.Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   time.UnixMilli(oldest + windowMs),
			Backend:   ratelimit.BackendDistributed,
		}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_markers (key, ts_ms, nonce, expires_ms) VALUES (?, ?, ?, ?)`,
		fullKey, nowMs, s.nonce(), expiresMs); err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("insert marker for key %v: %w", key, err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rate_markers SET expires_ms = ? WHERE key = ?`,
		expiresMs, fullKey); err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("refresh expiry for key %v: %w", key, err))
	}
	if err := tx.Commit(); err != nil {
		return ratelimit.Decision{}, classify(fmt.Errorf("commit key %v: %w", key, err))
	}

	return ratelimit.Decision{
		Allowed:   true,
		Remaining: config.MaxRequests - count - 1,
		ResetAt:   now.Add(config.Window),
		Backend:   ratelimit.BackendDistributed,
	}, nil
}

// Expire deletes rows whose key has been idle past its window and buffer.
// Returns the number of rows removed.
func (s *WindowStore) Expire(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_markers WHERE expires_ms <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, classify(fmt.Errorf("expire markers: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *WindowStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("sqlite ping failed: %w", err))
	}
	return nil
}

// Close closes the database.
func (s *WindowStore) Close() error {
	return s.db.Close()
}

// classify maps err onto ErrStoreUnavailable (lock contention, closed
// connections, timeouts) or ErrStoreInternal (everything else).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ratelimit.ErrStoreInternal, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}

	// database/sql reports use after Close with a plain error value.
	return strings.Contains(err.Error(), "database is closed")
}

var (
	_ ratelimit.DistributedStore = (*WindowStore)(nil)
	_ ratelimit.Expirer          = (*WindowStore)(nil)
)
