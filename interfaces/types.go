// Package interfaces defines the core types and contracts shared by the
// gateway components. It provides the boundaries between the request
// pipeline, the rate limiter, the backend client, and the health aggregator
// without implementation details.
package interfaces

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientKey identifies a rate-limit subject. It is derived once per request
// from the presented credential or, failing that, the source address.
type ClientKey string

// Operation names a logical KMS backend operation. The string value is also
// the backend URL path segment.
type Operation string

const (
	OpGenerateKey       Operation = "generate_key"
	OpEncrypt           Operation = "encrypt"
	OpDecrypt           Operation = "decrypt"
	OpGenerateKeypair   Operation = "generate_keypair"
	OpEncryptAsymmetric Operation = "encrypt_asymmetric"
	OpDecryptAsymmetric Operation = "decrypt_asymmetric"
)

// Path returns the backend URL path for the operation.
func (op Operation) Path() string {
	return "/" + string(op)
}

// String returns the operation name.
func (op Operation) String() string {
	return string(op)
}

// BackendRequest describes one logical call against the KMS backend.
// It is immutable for the duration of the call, including retries.
type BackendRequest struct {
	// Operation selects the backend endpoint.
	Operation Operation

	// Payload is the JSON request body. Nil for operations without a body.
	Payload json.RawMessage

	// RequestID correlates backend attempts with the inbound request.
	RequestID string

	// Deadline bounds the whole call including all retry attempts.
	// Zero means no deadline beyond the caller's context.
	Deadline time.Time
}

// BackendResponse is the successful result of a backend call.
type BackendResponse struct {
	// StatusCode is the backend HTTP status.
	StatusCode int

	// Body is the raw JSON response body.
	Body json.RawMessage

	// Latency is the duration of the final, successful attempt.
	Latency time.Duration
}

// FailureClass partitions backend failures into those worth retrying and
// those that are not.
type FailureClass int

const (
	// FailureRetryable marks transient failures: connection refused or
	// reset, timeouts, and backend 429/5xx responses.
	FailureRetryable FailureClass = iota

	// FailureFatal marks non-transient failures: backend 4xx responses
	// other than 429, and malformed response bodies.
	FailureFatal
)

// String returns a log-friendly name for the failure class.
func (c FailureClass) String() string {
	if c == FailureFatal {
		return "fatal"
	}
	return "retryable"
}

// BackendError is the classified failure returned by the backend client
// once an operation has failed fatally or exhausted its retries.
type BackendError struct {
	// Class is the retryable/fatal classification of the last failure.
	Class FailureClass

	// StatusCode is the backend HTTP status of the last attempt, or 0 when
	// the failure happened below HTTP (network error, timeout).
	StatusCode int

	// Malformed is set when the backend answered 200 with an unparseable body.
	Malformed bool

	// Attempts is how many attempts were made in total.
	Attempts int

	// Err is the underlying error of the last attempt.
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend returned %d after %d attempt(s): %v", e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("backend call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// HealthStatus is the aggregated backend status reported on the health
// surface.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is a point-in-time copy of the aggregated backend health
// state. Reading a snapshot never triggers a probe.
type HealthSnapshot struct {
	Status              HealthStatus  `json:"status"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastChecked         time.Time     `json:"last_checked"`
}

// AdmitDecision is the rate limiter's verdict for a single request.
type AdmitDecision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// RetryAfter is the time until the client's window resets. Only
	// meaningful when Allowed is false.
	RetryAfter time.Duration
}
