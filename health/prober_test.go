package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
)

type fakePinger struct {
	err     error
	latency time.Duration
}

func (p *fakePinger) Ping(ctx context.Context) (time.Duration, error) {
	return p.latency, p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProber_ReportsFailures(t *testing.T) {
	agg := New(Config{DegradedThreshold: 2, UnhealthyThreshold: 4, RecoveryThreshold: 2})
	pinger := &fakePinger{err: errors.New("connection refused")}

	prober := NewProber(agg, pinger, 5*time.Millisecond, 5*time.Millisecond, discardLogger())
	prober.Start(context.Background())

	require.Eventually(t, func() bool {
		return agg.Snapshot().Status == interfaces.StatusUnhealthy
	}, time.Second, 5*time.Millisecond)

	prober.Stop()
}

func TestProber_ReportsSuccesses(t *testing.T) {
	agg := New(Config{RecoveryThreshold: 2})
	agg.ReportFailure()
	agg.ReportFailure()
	agg.ReportFailure()
	require.Equal(t, interfaces.StatusDegraded, agg.Snapshot().Status)

	pinger := &fakePinger{latency: 3 * time.Millisecond}
	prober := NewProber(agg, pinger, 5*time.Millisecond, 5*time.Millisecond, discardLogger())
	prober.Start(context.Background())

	require.Eventually(t, func() bool {
		return agg.Snapshot().Status == interfaces.StatusHealthy
	}, time.Second, 5*time.Millisecond)

	prober.Stop()
	assert.Equal(t, 3*time.Millisecond, agg.Snapshot().LastLatency)
}

func TestProber_StopIsIdempotent(t *testing.T) {
	agg := New(Config{})
	prober := NewProber(agg, &fakePinger{}, time.Minute, time.Second, discardLogger())
	prober.Start(context.Background())

	prober.Stop()
	prober.Stop()
}

func TestProber_StopsOnContextCancel(t *testing.T) {
	agg := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	prober := NewProber(agg, &fakePinger{}, time.Millisecond, time.Millisecond, discardLogger())
	prober.Start(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		prober.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe loop did not exit on context cancellation")
	}
}
