package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
)

// APIKeyHeader carries the client credential on inbound requests.
const APIKeyHeader = "X-API-Key"

// ResolveClientKey derives the rate-limit subject for a request: a digest
// of the presented credential when one is offered, the source address
// otherwise. The key is stable for a given caller and never contains the
// raw credential.
func ResolveClientKey(r *http.Request) interfaces.ClientKey {
	if cred := r.Header.Get(APIKeyHeader); cred != "" {
		sum := sha256.Sum256([]byte(cred))
		return interfaces.ClientKey("key:" + hex.EncodeToString(sum[:8]))
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return interfaces.ClientKey("addr:" + host)
}

// StaticCredentialValidator validates requests against a single pre-shared
// API key. Comparison runs over digests in constant time, so neither the
// key length nor its content leaks through timing.
type StaticCredentialValidator struct {
	digest [sha256.Size]byte
}

// NewStaticCredentialValidator creates a validator for the given key.
func NewStaticCredentialValidator(key string) *StaticCredentialValidator {
	return &StaticCredentialValidator{digest: sha256.Sum256([]byte(key))}
}

// Valid reports whether the presented credential matches the configured key.
func (v *StaticCredentialValidator) Valid(credential string) bool {
	if credential == "" {
		return false
	}
	sum := sha256.Sum256([]byte(credential))
	return subtle.ConstantTimeCompare(sum[:], v.digest[:]) == 1
}

var _ interfaces.CredentialValidator = (*StaticCredentialValidator)(nil)
