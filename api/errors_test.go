package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
)

func TestErrorKind_HTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		KindRateLimited:        http.StatusTooManyRequests,
		KindUnauthorized:       http.StatusUnauthorized,
		KindValidationError:    http.StatusBadRequest,
		KindBackendUnavailable: http.StatusServiceUnavailable,
		KindBackendRejected:    http.StatusBadGateway,
		KindInternalError:      http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), string(kind))
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "exhausted retryable failure",
			err: &interfaces.BackendError{
				Class:      interfaces.FailureRetryable,
				StatusCode: http.StatusServiceUnavailable,
				Attempts:   4,
				Err:        errors.New("backend returned 503"),
			},
			kind: KindBackendUnavailable,
		},
		{
			name: "network failure",
			err: &interfaces.BackendError{
				Class:    interfaces.FailureRetryable,
				Attempts: 2,
				Err:      errors.New("connection refused"),
			},
			kind: KindBackendUnavailable,
		},
		{
			name: "fatal backend 4xx",
			err: &interfaces.BackendError{
				Class:      interfaces.FailureFatal,
				StatusCode: http.StatusForbidden,
				Attempts:   1,
				Err:        errors.New("backend returned 403"),
			},
			kind: KindBackendRejected,
		},
		{
			name: "malformed backend response",
			err: &interfaces.BackendError{
				Class:     interfaces.FailureFatal,
				Malformed: true,
				Attempts:  1,
				Err:       errors.New("malformed body"),
			},
			kind: KindInternalError,
		},
		{
			name: "wrapped backend error",
			err: fmt.Errorf("pipeline: %w", &interfaces.BackendError{
				Class: interfaces.FailureRetryable,
				Err:   errors.New("timeout"),
			}),
			kind: KindBackendUnavailable,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			kind: KindBackendUnavailable,
		},
		{
			name: "unclassified error",
			err:  errors.New("boom"),
			kind: KindInternalError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := Translate(tc.err, "req-7")
			assert.Equal(t, tc.kind, env.Kind)
			assert.Equal(t, tc.kind.HTTPStatus(), env.StatusCode)
			assert.Equal(t, "req-7", env.RequestID)
			assert.NotEmpty(t, env.Detail)
		})
	}
}

func TestTranslate_NeverLeaksBackendDetail(t *testing.T) {
	env := Translate(&interfaces.BackendError{
		Class:      interfaces.FailureFatal,
		StatusCode: http.StatusUnprocessableEntity,
		Err:        errors.New(`backend returned 422: {"trace":"secret internal trace"}`),
	}, "req-8")

	assert.Equal(t, KindBackendRejected, env.Kind)
	assert.NotContains(t, env.Detail, "secret internal trace")
}

func TestWriteError_RateLimitedSetsRetryAfter(t *testing.T) {
	env := NewErrorEnvelope(KindRateLimited, "rate limit exceeded", "req-9")
	env.RetryAfter = 42 * time.Second

	rec := httptest.NewRecorder()
	WriteError(rec, env)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	var body ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, KindRateLimited, body.Kind)
	assert.Equal(t, "req-9", body.RequestID)
	assert.Equal(t, http.StatusTooManyRequests, body.StatusCode)
	assert.False(t, body.Timestamp.IsZero())
}

func TestWriteError_SubSecondRetryAfterRoundsUp(t *testing.T) {
	env := NewErrorEnvelope(KindRateLimited, "rate limit exceeded", "")
	env.RetryAfter = 200 * time.Millisecond

	rec := httptest.NewRecorder()
	WriteError(rec, env)

	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestWriteError_OtherKindsOmitRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewErrorEnvelope(KindBackendUnavailable, "backend unavailable", ""))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
