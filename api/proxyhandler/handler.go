// Package proxyhandler implements the gateway request pipeline: resolve
// the client identity, authenticate, apply the per-client rate limit,
// validate the request body, forward the operation to the KMS backend, and
// translate failures into the client-facing error envelope.
package proxyhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ahmadqmalzoubi/kms-service/api"
	"github.com/ahmadqmalzoubi/kms-service/interfaces"
	"github.com/ahmadqmalzoubi/kms-service/metrics"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes proxied KMS operation requests.
type Handler struct {
	limiter        interfaces.RateLimiter
	backend        interfaces.KMSClient
	creds          interfaces.CredentialValidator
	validate       *validator.Validate
	backendTimeout time.Duration
	log            *slog.Logger
}

// NewHandler creates a request pipeline handler.
//
// Parameters:
//   - limiter: per-client admission control
//   - backend: resilient KMS backend client
//   - creds: validator for the pre-shared client credential
//   - backendTimeout: overall deadline for one backend operation,
//     covering all retry attempts
//   - log: structured logger for internal failure detail
func NewHandler(limiter interfaces.RateLimiter, backend interfaces.KMSClient, creds interfaces.CredentialValidator, backendTimeout time.Duration, log *slog.Logger) *Handler {
	v := validator.New()
	// Report violations by JSON field name, not Go struct field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		limiter:        limiter,
		backend:        backend,
		creds:          creds,
		validate:       v,
		backendTimeout: backendTimeout,
		log:            log,
	}
}

// RegisterRoutes mounts the proxied KMS operation endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/kms/generate_key", h.HandleGenerateKey)
	r.Post("/api/kms/encrypt", h.HandleEncrypt)
	r.Post("/api/kms/decrypt", h.HandleDecrypt)
	r.Post("/api/kms/generate_keypair", h.HandleGenerateKeypair)
	r.Post("/api/kms/encrypt_asymmetric", h.HandleEncryptAsymmetric)
	r.Post("/api/kms/decrypt_asymmetric", h.HandleDecryptAsymmetric)
}

func (h *Handler) HandleGenerateKey(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, interfaces.OpGenerateKey, nil, &api.KeyResponse{})
}

func (h *Handler) HandleEncrypt(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, interfaces.OpEncrypt, &api.EncryptRequest{}, &api.EncryptResponse{})
}

func (h *Handler) HandleDecrypt(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, interfaces.OpDecrypt, &api.DecryptRequest{}, &api.DecryptResponse{})
}

func (h *Handler) HandleGenerateKeypair(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, interfaces.OpGenerateKeypair, nil, &api.KeyPairResponse{})
}

func (h *Handler) HandleEncryptAsymmetric(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, interfaces.OpEncryptAsymmetric, &api.AsymmetricEncryptRequest{}, &api.AsymmetricEncryptResponse{})
}

func (h *Handler) HandleDecryptAsymmetric(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, interfaces.OpDecryptAsymmetric, &api.AsymmetricDecryptRequest{}, &api.AsymmetricDecryptResponse{})
}

// proxy runs the pipeline for one request. reqModel is nil for operations
// without a request body; respModel receives the decoded backend response.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, op interfaces.Operation, reqModel, respModel any) {
	requestID := api.GetRequestID(r.Context())
	log := h.log.With("operation", op.String(), "request_id", requestID)

	if !h.creds.Valid(r.Header.Get(api.APIKeyHeader)) {
		log.Info("Rejected request with invalid or missing API key", "remote_addr", r.RemoteAddr)
		metrics.RecordRequest(op.String(), string(api.KindUnauthorized))
		api.WriteError(w, api.NewErrorEnvelope(api.KindUnauthorized, "invalid or missing API key", requestID))
		return
	}

	clientKey := api.ResolveClientKey(r)
	decision := h.limiter.Admit(clientKey)
	if !decision.Allowed {
		log.Info("Rate limit exceeded", "client_key", string(clientKey), "retry_after", decision.RetryAfter)
		metrics.RecordRequest(op.String(), string(api.KindRateLimited))
		metrics.RecordRateLimited()
		env := api.NewErrorEnvelope(api.KindRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %s", decision.RetryAfter.Round(time.Second)), requestID)
		env.RetryAfter = decision.RetryAfter
		api.WriteError(w, env)
		return
	}

	var payload json.RawMessage
	if reqModel != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(reqModel); err != nil {
			log.Info("Malformed request body", "err", err)
			metrics.RecordRequest(op.String(), string(api.KindValidationError))
			api.WriteError(w, api.NewErrorEnvelope(api.KindValidationError, "malformed JSON request body", requestID))
			return
		}
		if err := h.validate.Struct(reqModel); err != nil {
			log.Info("Request validation failed", "err", err)
			metrics.RecordRequest(op.String(), string(api.KindValidationError))
			api.WriteError(w, api.NewErrorEnvelope(api.KindValidationError, validationDetail(err), requestID))
			return
		}

		var err error
		payload, err = json.Marshal(reqModel)
		if err != nil {
			log.Error("Could not encode backend payload", "err", err)
			metrics.RecordRequest(op.String(), string(api.KindInternalError))
			api.WriteError(w, api.NewErrorEnvelope(api.KindInternalError, "internal server error", requestID))
			return
		}
	}

	backendReq := &interfaces.BackendRequest{
		Operation: op,
		Payload:   payload,
		RequestID: requestID,
		Deadline:  time.Now().Add(h.backendTimeout),
	}

	resp, err := h.backend.Execute(r.Context(), backendReq)
	if err != nil {
		env := api.Translate(err, requestID)
		// Full failure detail stays in the internal log; the envelope
		// carries only the client-safe kind and detail.
		log.Error("Backend operation failed", "err", err, "kind", string(env.Kind))
		metrics.RecordRequest(op.String(), string(env.Kind))
		api.WriteError(w, env)
		return
	}

	if err := json.Unmarshal(resp.Body, respModel); err != nil {
		log.Error("Could not parse backend response", "err", err, "body", string(resp.Body))
		metrics.RecordRequest(op.String(), string(api.KindInternalError))
		api.WriteError(w, api.NewErrorEnvelope(api.KindInternalError, "internal server error", requestID))
		return
	}

	metrics.RecordRequest(op.String(), "success")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(respModel); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

// validationDetail renders field-level violations for the client.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}
