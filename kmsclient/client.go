// Package kmsclient implements the resilient HTTP client for the external
// KMS backend.
//
// Every logical operation runs as a bounded sequence of attempts: transient
// failures (connection refused or reset, timeouts, backend 429/5xx) are
// retried with capped exponential backoff and jitter, fatal failures
// (other 4xx, malformed response bodies) abort immediately. The request
// deadline covers all attempts combined, and every attempt's outcome is
// reported to the health aggregator and logged as a structured event.
package kmsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
	"github.com/ahmadqmalzoubi/kms-service/metrics"
)

const (
	// APIKeyHeader carries the gateway's backend credential.
	APIKeyHeader = "X-API-Key"

	// RequestIDHeader correlates backend attempts with the inbound request.
	RequestIDHeader = "X-Request-ID"

	// maxResponseBody caps how much of a backend response is read (1MB).
	maxResponseBody = 1024 * 1024
)

// Config holds the backend client parameters.
type Config struct {
	// BaseURL is the backend base URL, without a trailing slash.
	BaseURL string

	// APIKey is the pre-shared backend credential attached to every call.
	APIKey string

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BaseDelay is the backoff delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponentially growing backoff delay.
	MaxDelay time.Duration

	// JitterFraction adds random jitter in [0, JitterFraction*delay] to
	// each backoff delay.
	JitterFraction float64

	// Client is the underlying HTTP client. Its transport's connection
	// pool bounds concurrent outbound calls; pool saturation surfaces as
	// a retryable timeout.
	Client *http.Client

	// Health receives per-attempt outcome reports. Nil disables reporting.
	Health interfaces.HealthReporter

	// Log receives one structured event per attempt.
	Log *slog.Logger
}

// Client executes KMS operations against the backend. Safe for concurrent
// use.
type Client struct {
	baseURL        string
	apiKey         string
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitterFraction float64
	client         *http.Client
	health         interfaces.HealthReporter
	log            *slog.Logger
}

// New creates a backend client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		maxRetries:     cfg.MaxRetries,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		jitterFraction: cfg.JitterFraction,
		client:         cfg.Client,
		health:         cfg.Health,
		log:            cfg.Log,
	}, nil
}

// Execute runs one logical backend operation, retrying transient failures
// until the retry budget or the request deadline is exhausted. A non-nil
// error is always a *interfaces.BackendError carrying the classification
// and attempt count of the last failure.
func (c *Client) Execute(ctx context.Context, req *interfaces.BackendRequest) (*interfaces.BackendResponse, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	state := newRetryState(c.baseDelay, c.maxDelay, c.jitterFraction)

	var lastErr *interfaces.BackendError
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		resp, attemptErr := c.attempt(ctx, req, attempt)
		if attemptErr == nil {
			return resp, nil
		}

		attemptErr.Attempts = attempt
		lastErr = attemptErr

		if attemptErr.Class == interfaces.FailureFatal {
			return nil, lastErr
		}
		if attempt == c.maxRetries+1 {
			break
		}

		delay := state.next()
		if !c.backoff(ctx, delay) {
			// Deadline or caller cancellation: no attempt may start past
			// the deadline boundary.
			c.log.Debug("Aborting retries at deadline",
				"operation", req.Operation.String(),
				"request_id", req.RequestID,
				"attempt", attempt)
			break
		}
	}

	return nil, lastErr
}

// attempt performs a single HTTP exchange and classifies its outcome.
func (c *Client) attempt(ctx context.Context, req *interfaces.BackendRequest, attempt int) (*interfaces.BackendResponse, *interfaces.BackendError) {
	var body io.Reader
	if req.Payload != nil {
		body = bytes.NewReader(req.Payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+req.Operation.Path(), body)
	if err != nil {
		return nil, c.fail(req, attempt, 0, &interfaces.BackendError{
			Class: interfaces.FailureFatal,
			Err:   fmt.Errorf("could not initialize request: %w", err),
		})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(APIKeyHeader, c.apiKey)
	}
	if req.RequestID != "" {
		httpReq.Header.Set(RequestIDHeader, req.RequestID)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		// Everything below HTTP (refused, reset, timeout) is transient.
		return nil, c.fail(req, attempt, latency, &interfaces.BackendError{
			Class: interfaces.FailureRetryable,
			Err:   fmt.Errorf("could not reach backend: %w", err),
		})
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, c.fail(req, attempt, latency, &interfaces.BackendError{
			Class: interfaces.FailureRetryable,
			Err:   fmt.Errorf("could not read backend response: %w", err),
		})
	}

	if httpResp.StatusCode != http.StatusOK {
		class := interfaces.FailureFatal
		if retryableStatus(httpResp.StatusCode) {
			class = interfaces.FailureRetryable
		}
		return nil, c.fail(req, attempt, latency, &interfaces.BackendError{
			Class:      class,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("backend returned %d: %s", httpResp.StatusCode, string(respBody)),
		})
	}

	if !json.Valid(respBody) {
		return nil, c.fail(req, attempt, latency, &interfaces.BackendError{
			Class:     interfaces.FailureFatal,
			Malformed: true,
			Err:       errors.New("backend returned a malformed response body"),
		})
	}

	c.report(req, attempt, latency, nil)
	return &interfaces.BackendResponse{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Latency:    latency,
	}, nil
}

// fail reports and returns a classified attempt failure.
func (c *Client) fail(req *interfaces.BackendRequest, attempt int, latency time.Duration, berr *interfaces.BackendError) *interfaces.BackendError {
	c.report(req, attempt, latency, berr)
	return berr
}

// report emits the per-attempt outcome event and feeds the health
// aggregator.
func (c *Client) report(req *interfaces.BackendRequest, attempt int, latency time.Duration, berr *interfaces.BackendError) {
	if berr == nil {
		if c.health != nil {
			c.health.ReportSuccess(latency)
		}
		metrics.RecordBackendAttempt("success", latency)
		c.log.Debug("Backend attempt succeeded",
			"operation", req.Operation.String(),
			"request_id", req.RequestID,
			"attempt", attempt,
			"latency_ms", latency.Milliseconds())
		return
	}

	if c.health != nil {
		c.health.ReportFailure()
	}
	metrics.RecordBackendAttempt(berr.Class.String(), latency)
	c.log.Warn("Backend attempt failed",
		"operation", req.Operation.String(),
		"request_id", req.RequestID,
		"attempt", attempt,
		"class", berr.Class.String(),
		"status", berr.StatusCode,
		"latency_ms", latency.Milliseconds(),
		"err", berr.Err)
}

// backoff waits for delay unless the context would expire first. It
// returns false when no further attempt may be made.
func (c *Client) backoff(ctx context.Context, delay time.Duration) bool {
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		return false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// retryableStatus reports whether a backend HTTP status is transient.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Ping issues a lightweight liveness probe against the backend health
// endpoint. Used by the active prober; it performs no retries.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("could not initialize probe request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set(APIKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return latency, fmt.Errorf("could not reach backend: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode != http.StatusOK {
		return latency, fmt.Errorf("backend probe returned %d", resp.StatusCode)
	}
	return latency, nil
}

var (
	_ interfaces.KMSClient = (*Client)(nil)
	_ interfaces.Pinger    = (*Client)(nil)
)
