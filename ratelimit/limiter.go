// Package ratelimit implements the per-client admission control for the
// gateway: a fixed-window counter keyed by client, with background eviction
// of idle windows so churny client populations cannot grow the map without
// bound.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
)

const (
	// defaultIdleWindows is how many fully expired windows a key may sit
	// idle before the sweeper drops its record.
	defaultIdleWindows = 3

	defaultSweepInterval = time.Minute
)

// Config holds the limiter parameters.
type Config struct {
	// Limit is the number of requests admitted per window per client.
	Limit int

	// Window is the fixed window size.
	Window time.Duration

	// IdleWindows overrides how many expired windows a record may idle
	// before eviction. Zero selects the default.
	IdleWindows int

	// SweepInterval overrides how often the eviction sweep runs. Zero
	// selects the default.
	SweepInterval time.Duration

	// Clock overrides the time source, for tests.
	Clock func() time.Time

	// Log receives sweep diagnostics. Nil disables them.
	Log *slog.Logger
}

// rateWindow is the per-client counter. Owned exclusively by the Limiter;
// all access happens under the limiter mutex.
type rateWindow struct {
	count int
	start time.Time
}

// Limiter is a fixed-window per-client rate limiter. It never fails: Admit
// only ever returns an allow/deny decision. Safe for concurrent use.
type Limiter struct {
	limit         int
	window        time.Duration
	idleWindows   int
	sweepInterval time.Duration
	clock         func() time.Time
	log           *slog.Logger

	mu      sync.Mutex
	windows map[interfaces.ClientKey]*rateWindow

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates a limiter from cfg, applying defaults for unset tuning knobs.
func New(cfg Config) *Limiter {
	if cfg.IdleWindows <= 0 {
		cfg.IdleWindows = defaultIdleWindows
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Limiter{
		limit:         cfg.Limit,
		window:        cfg.Window,
		idleWindows:   cfg.IdleWindows,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		log:           cfg.Log,
		windows:       make(map[interfaces.ClientKey]*rateWindow),
		stopChan:      make(chan struct{}),
	}
}

// Admit records one request for key and decides whether it is admitted.
// The check and the increment happen as a single step under the lock, so
// concurrent requests for the same key observe a serialized counter.
func (l *Limiter) Admit(key interfaces.ClientKey) interfaces.AdmitDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		// First request for this key, or the previous window has expired:
		// start a fresh window and admit.
		l.windows[key] = &rateWindow{count: 1, start: now}
		return interfaces.AdmitDecision{Allowed: true}
	}

	w.count++
	if w.count <= l.limit {
		return interfaces.AdmitDecision{Allowed: true}
	}

	return interfaces.AdmitDecision{
		Allowed:    false,
		RetryAfter: w.start.Add(l.window).Sub(now),
	}
}

// StartSweep launches the background eviction goroutine. It stops when ctx
// is cancelled or Stop is called.
func (l *Limiter) StartSweep(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// sweep drops records whose window expired more than idleWindows ago.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock().Add(-time.Duration(l.idleWindows) * l.window)
	evicted := 0
	for key, w := range l.windows {
		if w.start.Add(l.window).Before(cutoff) {
			delete(l.windows, key)
			evicted++
		}
	}

	if evicted > 0 && l.log != nil {
		l.log.Debug("Rate limiter sweep completed", "evicted", evicted, "remaining", len(l.windows))
	}
}

// Stop terminates the sweep goroutine and waits for it to exit. Safe to
// call multiple times.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked client keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

var _ interfaces.RateLimiter = (*Limiter)(nil)
