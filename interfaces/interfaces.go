package interfaces

import (
	"context"
	"time"
)

// RateLimiter decides per-client admission. Implementations never fail;
// they only allow or deny.
type RateLimiter interface {
	// Admit records one request for the given client key and reports
	// whether it is within the client's budget. The check and the
	// increment are a single atomic step per key.
	Admit(key ClientKey) AdmitDecision
}

// KMSClient executes a single logical operation against the KMS backend,
// retrying transient failures within the request's deadline. A non-nil
// error is always a *BackendError.
type KMSClient interface {
	Execute(ctx context.Context, req *BackendRequest) (*BackendResponse, error)
}

// HealthReporter accumulates backend call outcomes into a rolling health
// state. Reports never block on I/O and never fail.
type HealthReporter interface {
	// ReportSuccess records a successful backend attempt and its latency.
	ReportSuccess(latency time.Duration)

	// ReportFailure records a failed backend attempt.
	ReportFailure()

	// Snapshot returns the latest cached health state. It is safe for
	// concurrent use and never triggers a fresh probe.
	Snapshot() HealthSnapshot
}

// Pinger issues a lightweight backend liveness probe, independent of user
// traffic. Implemented by the backend client for the active prober.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// CredentialValidator checks a presented client credential. The gateway
// only validates pre-shared credentials; issuance is out of scope.
type CredentialValidator interface {
	Valid(credential string) bool
}
