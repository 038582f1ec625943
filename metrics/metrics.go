// Package metrics exposes Prometheus instruments for the gateway and a
// standalone metrics server, kept off the API listener so scrapes never
// compete with request serving.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Inbound requests by operation and outcome.",
	}, []string{"operation", "outcome"})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter.",
	})

	backendAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_attempts_total",
		Help: "Backend attempts by outcome (success, retryable, fatal).",
	}, []string{"outcome"})

	backendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_backend_latency_seconds",
		Help:    "Latency of individual backend attempts.",
		Buckets: prometheus.DefBuckets,
	})

	backendHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_backend_health",
		Help: "Aggregated backend health: 0 healthy, 1 degraded, 2 unhealthy.",
	})
)

// RecordRequest counts one finished inbound request.
func RecordRequest(operation, outcome string) {
	requestsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordRateLimited counts one rate-limited rejection.
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordBackendAttempt counts one backend attempt and observes its latency.
func RecordBackendAttempt(outcome string, latency time.Duration) {
	backendAttemptsTotal.WithLabelValues(outcome).Inc()
	backendLatency.Observe(latency.Seconds())
}

// SetBackendHealth publishes the aggregated backend status.
func SetBackendHealth(level int) {
	backendHealth.Set(float64(level))
}

// MetricsServer serves the Prometheus exposition endpoint.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
}

// New creates a metrics server for the given service on addr.
func New(service, addr string) (*MetricsServer, error) {
	// Metric namespaces must not contain hyphens.
	namespace := strings.ReplaceAll(service, "-", "_")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	for _, c := range []prometheus.Collector{
		requestsTotal, rateLimitedTotal, backendAttemptsTotal, backendLatency, backendHealth,
	} {
		if err := registry.Register(c); err != nil {
			// Already registered by a previous server instance.
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		registry: registry,
	}, nil
}

// ListenAndServe blocks serving the exposition endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
