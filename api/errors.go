package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
)

// ErrorKind is the closed set of client-facing error categories. Raw
// backend payloads, stack traces, and credentials never appear in an
// envelope; those details stay in the internal logs, keyed by request id.
type ErrorKind string

const (
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindValidationError    ErrorKind = "validation_error"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindBackendRejected    ErrorKind = "backend_rejected"
	KindInternalError      ErrorKind = "internal_error"
)

// HTTPStatus maps an error kind to the response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidationError:
		return http.StatusBadRequest
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorEnvelope is the error body returned to clients. Created once per
// failed request, immutable afterwards.
type ErrorEnvelope struct {
	Kind       ErrorKind `json:"error"`
	Detail     string    `json:"detail"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`

	// RetryAfter is surfaced via the Retry-After header on rate-limit
	// rejections, not in the body.
	RetryAfter time.Duration `json:"-"`
}

// NewErrorEnvelope creates an envelope for the given kind.
func NewErrorEnvelope(kind ErrorKind, detail, requestID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Kind:       kind,
		Detail:     detail,
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		StatusCode: kind.HTTPStatus(),
	}
}

// Translate maps a raw pipeline failure into a client-safe envelope.
//
// Exhausted retryable failures become BackendUnavailable with a generic
// detail. Fatal backend 4xx responses become BackendRejected, carrying only
// the scrubbed status reason. Malformed backend responses and anything
// unclassified become InternalError; the caller logs the full detail
// internally.
func Translate(err error, requestID string) *ErrorEnvelope {
	var berr *interfaces.BackendError
	if errors.As(err, &berr) {
		switch {
		case berr.Class == interfaces.FailureRetryable:
			return NewErrorEnvelope(KindBackendUnavailable, "backend unavailable", requestID)
		case berr.Malformed:
			return NewErrorEnvelope(KindInternalError, "internal server error", requestID)
		case berr.StatusCode >= 400 && berr.StatusCode < 500:
			return NewErrorEnvelope(KindBackendRejected, "backend rejected request: "+http.StatusText(berr.StatusCode), requestID)
		default:
			return NewErrorEnvelope(KindInternalError, "internal server error", requestID)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewErrorEnvelope(KindBackendUnavailable, "backend unavailable", requestID)
	}

	return NewErrorEnvelope(KindInternalError, "internal server error", requestID)
}

// WriteError writes the envelope as the HTTP response, including the
// Retry-After header for rate-limit rejections.
func WriteError(w http.ResponseWriter, env *ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	if env.Kind == KindRateLimited && env.RetryAfter > 0 {
		seconds := int(env.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(env.StatusCode)
	json.NewEncoder(w).Encode(env)
}
