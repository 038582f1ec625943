package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmadqmalzoubi/kms-service/interfaces"
)

// Prober periodically pings the backend and feeds the outcome into the
// aggregator, so health state keeps moving even when no user traffic
// reaches the backend client.
type Prober struct {
	agg      *Aggregator
	pinger   interfaces.Pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewProber creates a prober that pings via pinger every interval. Each
// probe is bounded by timeout so a hung backend cannot pile up probes.
func NewProber(agg *Aggregator, pinger interfaces.Pinger, interval, timeout time.Duration, log *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = interval
	}
	return &Prober{
		agg:      agg,
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start launches the probe loop. It stops when ctx is cancelled or Stop is
// called.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	latency, err := p.pinger.Ping(probeCtx)
	if err != nil {
		p.agg.ReportFailure()
		p.log.Debug("Backend probe failed", "err", err)
		return
	}
	p.agg.ReportSuccess(latency)
}

// Stop terminates the probe loop and waits for it to exit. Safe to call
// multiple times.
func (p *Prober) Stop() {
	p.once.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}
