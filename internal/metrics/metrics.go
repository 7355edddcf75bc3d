// Package metrics provides Prometheus metrics for the relay: request
// counts, dispatch attempt outcomes, latencies, stream throughput, and
// pool health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keyrelay"

// LatencyBuckets defines histogram buckets for latency metrics (in
// seconds). Chat streams routinely run for tens of seconds.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// ChatRequests counts inbound chat requests by model and outcome
	// class.
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of chat requests",
		},
		[]string{"model", "status"},
	)

	// DispatchAttempts counts per-candidate upstream attempts by
	// outcome.
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of upstream dispatch attempts",
		},
		[]string{"outcome"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end chat request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// StreamEvents counts events forwarded to callers by type.
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Total number of stream events forwarded to callers",
		},
		[]string{"type"},
	)

	// PoolCredentials tracks the credential pool size by state.
	PoolCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_credentials",
			Help:      "Number of credentials in the pool by state",
		},
		[]string{"state"},
	)

	// CredentialDemotions counts automatic demotions after upstream
	// auth rejections.
	CredentialDemotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_demotions_total",
			Help:      "Total number of credentials demoted after upstream rejection",
		},
	)

	// RateLimitedRequests counts requests rejected by the per-IP
	// limiter.
	RateLimitedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)
)

// RecordRequest records one finished chat request.
func RecordRequest(model, status string, latency time.Duration) {
	ChatRequests.WithLabelValues(model, status).Inc()
	RequestLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// SetPoolSize updates the pool gauges.
func SetPoolSize(active, inactive int) {
	PoolCredentials.WithLabelValues("active").Set(float64(active))
	PoolCredentials.WithLabelValues("inactive").Set(float64(inactive))
}
