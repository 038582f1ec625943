package proxyhandler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmadqmalzoubi/kms-service/api"
	"github.com/ahmadqmalzoubi/kms-service/kmsclient"
	"github.com/ahmadqmalzoubi/kms-service/ratelimit"
)

const testAPIKey = "gateway-secret"

type testBackend struct {
	mu    sync.Mutex
	calls int
	srv   *httptest.Server
}

// newTestBackend starts a fake KMS backend answering via respond.
func newTestBackend(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls++
		b.mu.Unlock()
		respond(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestRouter(t *testing.T, backendURL string, rateLimit int) http.Handler {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := kmsclient.New(kmsclient.Config{
		BaseURL:    backendURL,
		APIKey:     "backend-secret",
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Log:        log,
	})
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{Limit: rateLimit, Window: time.Minute})
	creds := api.NewStaticCredentialValidator(testAPIKey)
	handler := NewHandler(limiter, backend, creds, 5*time.Second, log)

	mux := chi.NewRouter()
	mux.Use(api.RequestID)
	handler.RegisterRoutes(mux)
	return mux
}

func doRequest(t *testing.T, router http.Handler, path, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	r := httptest.NewRequest(http.MethodPost, path, reader)
	if apiKey != "" {
		r.Header.Set(api.APIKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorEnvelope {
	t.Helper()
	var env api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestProxy_MissingAPIKey(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/encrypt", `{"key_id":"k","plaintext":"p"}`, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindUnauthorized, env.Kind)
	assert.NotEmpty(t, env.RequestID)
	assert.Equal(t, 0, backend.callCount())
}

func TestProxy_InvalidAPIKey(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/encrypt", `{"key_id":"k","plaintext":"p"}`, "wrong")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, backend.callCount())
}

func TestProxy_RateLimited(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"key_id":"k","ciphertext":"c","nonce":"n","algorithm":"AES-256-GCM","timestamp":"2026-01-01T00:00:00Z"}`))
	})
	router := newTestRouter(t, backend.srv.URL, 2)

	body := `{"key_id":"k","plaintext":"p"}`
	require.Equal(t, http.StatusOK, doRequest(t, router, "/api/kms/encrypt", body, testAPIKey).Code)
	require.Equal(t, http.StatusOK, doRequest(t, router, "/api/kms/encrypt", body, testAPIKey).Code)

	rec := doRequest(t, router, "/api/kms/encrypt", body, testAPIKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindRateLimited, env.Kind)
	assert.Contains(t, env.Detail, "retry after")

	// Only the admitted requests reached the backend.
	assert.Equal(t, 2, backend.callCount())
}

func TestProxy_ValidationError(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/encrypt", `{"key_id":"k","plaintext":""}`, testAPIKey)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindValidationError, env.Kind)
	assert.Contains(t, env.Detail, "plaintext")
	assert.Equal(t, 0, backend.callCount())
}

func TestProxy_OversizedFieldRejected(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	router := newTestRouter(t, backend.srv.URL, 100)

	body := `{"key_id":"k","plaintext":"` + strings.Repeat("x", 200) + `"}`
	rec := doRequest(t, router, "/api/kms/encrypt_asymmetric", body, testAPIKey)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindValidationError, env.Kind)
	assert.Contains(t, env.Detail, "plaintext")
}

func TestProxy_MalformedJSON(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/decrypt", `{"key_id":`, testAPIKey)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindValidationError, env.Kind)
	assert.Equal(t, 0, backend.callCount())
}

func TestProxy_UnknownFieldRejected(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/encrypt", `{"key_id":"k","plaintext":"p","extra":1}`, testAPIKey)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxy_SuccessPassthrough(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/encrypt", r.URL.Path)
		assert.Equal(t, "backend-secret", r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var req api.EncryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key-1", req.KeyID)

		w.Write([]byte(`{"key_id":"key-1","ciphertext":"c1","nonce":"n1","algorithm":"AES-256-GCM","timestamp":"2026-01-01T00:00:00Z"}`))
	})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/encrypt", `{"key_id":"key-1","plaintext":"hello"}`, testAPIKey)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.EncryptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "key-1", resp.KeyID)
	assert.Equal(t, "c1", resp.Ciphertext)
	assert.Equal(t, "n1", resp.Nonce)
}

func TestProxy_GenerateKeyWithoutBody(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_key", r.URL.Path)
		w.Write([]byte(`{"key_id":"new-key","algorithm":"AES-256-GCM","key_size":256,"created_at":"2026-01-01T00:00:00Z"}`))
	})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/generate_key", "", testAPIKey)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.KeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "new-key", resp.KeyID)
	assert.Equal(t, 256, resp.KeySize)
}

func TestProxy_BackendRejectionBecomesBadGateway(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"key not found"}`))
	})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/decrypt", `{"key_id":"k","ciphertext":"c","nonce":"n"}`, testAPIKey)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindBackendRejected, env.Kind)
	// The raw backend body never reaches the client.
	assert.NotContains(t, env.Detail, "key not found")
	assert.Equal(t, 1, backend.callCount())
}

func TestProxy_BackendOutageBecomesUnavailable(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/generate_keypair", "", testAPIKey)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindBackendUnavailable, env.Kind)
	// One retry is configured, so two attempts total.
	assert.Equal(t, 2, backend.callCount())
}

func TestProxy_UnparseableBackendSuccessIsInternal(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`garbage`))
	})
	router := newTestRouter(t, backend.srv.URL, 100)

	rec := doRequest(t, router, "/api/kms/generate_key", "", testAPIKey)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, api.KindInternalError, env.Kind)
	assert.NotContains(t, env.Detail, "garbage")
}
