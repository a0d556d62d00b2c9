package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultServerAddr is used when neither WithServerAddr nor
// RATEKEEPER_SERVER_ADDR is set.
const DefaultServerAddr = "http://127.0.0.1:8080"

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 1 << 20

// Client calls a ratekeeper server's admission API.
type Client struct {
	serverAddr string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client.
// It reads configuration from RATEKEEPER_* environment variables by default.
// Options can be used to override the defaults.
func New(opts ...Option) *Client {
	c := &Client{
		serverAddr: envOrDefault("RATEKEEPER_SERVER_ADDR", DefaultServerAddr),
		failMode:   envOrDefault("RATEKEEPER_FAIL_MODE", "open"),
		timeout:    parseDurationEnv("RATEKEEPER_TIMEOUT", 2*time.Second),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Admit asks the server whether subject may perform operation now.
// A denial is not an error: it returns a Decision with Allowed false.
// When the server is unreachable the client fails open with backend "none",
// or returns a *ServerUnreachableError in closed mode.
func (c *Client) Admit(ctx context.Context, operation, subject string) (Decision, error) {
	return c.admit(ctx, admitRequest{Operation: operation, Subject: subject})
}

// AdmitInline is like Admit but sends the window with the request.
func (c *Client) AdmitInline(ctx context.Context, operation, subject string, limit Inline) (Decision, error) {
	return c.admit(ctx, admitRequest{
		Operation: operation,
		Subject:   subject,
		Inline: &inlineLimit{
			WindowMs:    limit.Window.Milliseconds(),
			MaxRequests: limit.MaxRequests,
			KeyPrefix:   limit.KeyPrefix,
		},
	})
}

// Do runs fn only if the operation is admitted. On denial fn is not called
// and a *RateLimitedError is returned.
func (c *Client) Do(ctx context.Context, operation, subject string, fn func(context.Context) error) error {
	d, err := c.Admit(ctx, operation, subject)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &RateLimitedError{Operation: operation, RetryAfter: d.RetryAfter()}
	}
	return fn(ctx)
}

// Stats fetches the server's health state and counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/stats", nil)
	if err != nil {
		return stats, &ServerUnreachableError{Cause: err}
	}
	if resp.status != http.StatusOK {
		return stats, resp.apiError()
	}
	if err := json.Unmarshal(resp.body, &stats); err != nil {
		return stats, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return stats, nil
}

func (c *Client) admit(ctx context.Context, req admitRequest) (Decision, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/admit", req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		if c.failMode == "closed" {
			return Decision{}, &ServerUnreachableError{Cause: err}
		}
		c.logger.Warn("ratekeeper server unreachable, failing open",
			"server_addr", c.serverAddr,
			"operation", req.Operation,
			"error", err,
		)
		return Decision{Allowed: true, Backend: BackendNone}, nil
	}

	switch resp.status {
	case http.StatusOK, http.StatusTooManyRequests:
	default:
		return Decision{}, resp.apiError()
	}

	var d Decision
	if err := json.Unmarshal(resp.body, &d); err != nil {
		return Decision{}, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	if resp.status == http.StatusTooManyRequests {
		d.Allowed = false
		if d.RetryAfterMs == 0 {
			d.RetryAfterMs = resp.retryAfterMs
		}
	}
	return d, nil
}

type response struct {
	status       int
	body         []byte
	retryAfterMs int64
}

func (r *response) apiError() *APIError {
	var e errorResponse
	if err := json.Unmarshal(r.body, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(r.body))
	}
	return &APIError{StatusCode: r.status, Message: e.Error}
}

// doRequest performs an HTTP request. Only transport failures are returned
// as errors; any HTTP status is handed back to the caller.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*response, error) {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	resp := &response{status: httpResp.StatusCode, body: respBody}
	if secs, err := strconv.ParseInt(httpResp.Header.Get("Retry-After"), 10, 64); err == nil {
		resp.retryAfterMs = secs * 1000
	}
	return resp, nil
}

// IsRateLimited reports whether err is a denial from Do.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
