// Package health maintains the rolling health state of the KMS backend.
//
// The aggregator consumes per-attempt outcome reports from the backend
// client and from a periodic active prober, and answers snapshot reads
// without ever blocking on probe I/O. Status transitions use hysteresis:
// a single good probe after an outage does not flip the state back.
package health

import (
	"sync"
	"time"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
	"github.com/ahmadqmalzoubi/kms-service/metrics"
)

const (
	defaultDegradedThreshold  = 3
	defaultUnhealthyThreshold = 6
	defaultRecoveryThreshold  = 3
	defaultLatencyThreshold   = 2 * time.Second
	defaultLatencySamples     = 20
)

// Config holds the aggregator thresholds.
type Config struct {
	// DegradedThreshold is the consecutive-failure count that moves a
	// healthy backend to degraded.
	DegradedThreshold int

	// UnhealthyThreshold is the consecutive-failure count that moves the
	// backend to unhealthy.
	UnhealthyThreshold int

	// RecoveryThreshold is the consecutive-success count required before a
	// degraded or unhealthy backend is reported healthy again.
	RecoveryThreshold int

	// LatencyThreshold degrades a healthy backend when the rolling average
	// attempt latency exceeds it.
	LatencyThreshold time.Duration

	// LatencySamples is the rolling-average window size.
	LatencySamples int

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Aggregator is the single shared health record for one backend target.
// Written by outcome reports, read concurrently by the health endpoint.
type Aggregator struct {
	degradedThreshold  int
	unhealthyThreshold int
	recoveryThreshold  int
	latencyThreshold   time.Duration
	clock              func() time.Time

	mu                   sync.RWMutex
	status               interfaces.HealthStatus
	lastLatency          time.Duration
	lastChecked          time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	latencies            []time.Duration
	latencyIdx           int
	latencyCount         int
}

// New creates an aggregator from cfg, applying defaults for unset fields.
// A fresh aggregator reports healthy.
func New(cfg Config) *Aggregator {
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = defaultDegradedThreshold
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = defaultRecoveryThreshold
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = defaultLatencyThreshold
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = defaultLatencySamples
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Aggregator{
		degradedThreshold:  cfg.DegradedThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		recoveryThreshold:  cfg.RecoveryThreshold,
		latencyThreshold:   cfg.LatencyThreshold,
		clock:              cfg.Clock,
		status:             interfaces.StatusHealthy,
		latencies:          make([]time.Duration, cfg.LatencySamples),
	}
}

// ReportSuccess records a successful backend attempt and its latency.
func (a *Aggregator) ReportSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.consecutiveFailures = 0
	a.consecutiveSuccesses++
	a.lastLatency = latency
	a.lastChecked = a.clock()
	a.recordLatency(latency)

	if a.status != interfaces.StatusHealthy && a.consecutiveSuccesses >= a.recoveryThreshold {
		a.setStatus(interfaces.StatusHealthy)
	}

	if a.status == interfaces.StatusHealthy && a.rollingAverage() > a.latencyThreshold {
		a.setStatus(interfaces.StatusDegraded)
		a.consecutiveSuccesses = 0
	}
}

// ReportFailure records a failed backend attempt.
func (a *Aggregator) ReportFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.consecutiveSuccesses = 0
	a.consecutiveFailures++
	a.lastChecked = a.clock()

	switch {
	case a.consecutiveFailures >= a.unhealthyThreshold:
		a.setStatus(interfaces.StatusUnhealthy)
	case a.consecutiveFailures >= a.degradedThreshold && a.status == interfaces.StatusHealthy:
		a.setStatus(interfaces.StatusDegraded)
	}
}

// Snapshot returns the latest cached state. It never triggers a probe, so
// request-serving latency stays decoupled from probe latency.
func (a *Aggregator) Snapshot() interfaces.HealthSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return interfaces.HealthSnapshot{
		Status:              a.status,
		LastLatency:         a.lastLatency,
		ConsecutiveFailures: a.consecutiveFailures,
		LastChecked:         a.lastChecked,
	}
}

// setStatus updates the status and publishes it to the metrics gauge.
// Callers hold the write lock.
func (a *Aggregator) setStatus(s interfaces.HealthStatus) {
	a.status = s
	switch s {
	case interfaces.StatusHealthy:
		metrics.SetBackendHealth(0)
	case interfaces.StatusDegraded:
		metrics.SetBackendHealth(1)
	case interfaces.StatusUnhealthy:
		metrics.SetBackendHealth(2)
	}
}

// recordLatency pushes one sample into the ring buffer. Callers hold the
// write lock.
func (a *Aggregator) recordLatency(d time.Duration) {
	a.latencies[a.latencyIdx] = d
	a.latencyIdx = (a.latencyIdx + 1) % len(a.latencies)
	if a.latencyCount < len(a.latencies) {
		a.latencyCount++
	}
}

// rollingAverage averages the recorded samples. Callers hold the lock.
func (a *Aggregator) rollingAverage() time.Duration {
	if a.latencyCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < a.latencyCount; i++ {
		sum += a.latencies[i]
	}
	return sum / time.Duration(a.latencyCount)
}

var _ interfaces.HealthReporter = (*Aggregator)(nil)
