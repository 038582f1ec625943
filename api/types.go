// Package api defines the client-facing wire types of the gateway: request
// and response models for the proxied KMS operations, the error envelope
// and its translation from internal failures, and client identity
// resolution.
package api

import (
	"time"
)

// EncryptRequest asks the backend to encrypt plaintext under a symmetric key.
type EncryptRequest struct {
	KeyID     string `json:"key_id" validate:"required,max=100"`
	Plaintext string `json:"plaintext" validate:"required,max=65536"`
}

// DecryptRequest asks the backend to decrypt a symmetric ciphertext.
type DecryptRequest struct {
	KeyID      string `json:"key_id" validate:"required,max=100"`
	Ciphertext string `json:"ciphertext" validate:"required"`
	Nonce      string `json:"nonce" validate:"required"`
}

// AsymmetricEncryptRequest asks the backend to encrypt under a public key.
// The plaintext bound matches the RSA-2048 OAEP capacity.
type AsymmetricEncryptRequest struct {
	KeyID     string `json:"key_id" validate:"required,max=100"`
	Plaintext string `json:"plaintext" validate:"required,max=190"`
}

// AsymmetricDecryptRequest asks the backend to decrypt with a private key.
type AsymmetricDecryptRequest struct {
	KeyID      string `json:"key_id" validate:"required,max=100"`
	Ciphertext string `json:"ciphertext" validate:"required"`
}

// KeyResponse describes a generated symmetric key.
type KeyResponse struct {
	KeyID     string     `json:"key_id"`
	Algorithm string     `json:"algorithm"`
	KeySize   int        `json:"key_size"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// KeyPairResponse describes a generated asymmetric key pair. The private
// key never leaves the backend.
type KeyPairResponse struct {
	KeyID        string     `json:"key_id"`
	PublicKeyPEM string     `json:"public_key_pem"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// EncryptResponse carries a symmetric encryption result.
type EncryptResponse struct {
	KeyID      string    `json:"key_id"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	Algorithm  string    `json:"algorithm"`
	Timestamp  time.Time `json:"timestamp"`
}

// DecryptResponse carries a symmetric decryption result.
type DecryptResponse struct {
	Plaintext string    `json:"plaintext"`
	Algorithm string    `json:"algorithm"`
	Timestamp time.Time `json:"timestamp"`
}

// AsymmetricEncryptResponse carries an asymmetric encryption result.
type AsymmetricEncryptResponse struct {
	Ciphertext string    `json:"ciphertext"`
	Algorithm  string    `json:"algorithm"`
	Timestamp  time.Time `json:"timestamp"`
}

// AsymmetricDecryptResponse carries an asymmetric decryption result.
type AsymmetricDecryptResponse struct {
	Plaintext string    `json:"plaintext"`
	Algorithm string    `json:"algorithm"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is the gateway health surface. Backend fields come from
// the cached health snapshot, never from a synchronous probe.
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	UptimeSeconds    int64     `json:"uptime"`
	BackendStatus    string    `json:"backend_status"`
	BackendLatencyMS float64   `json:"backend_latency_ms"`
}
