// Package metrics provides Prometheus instrumentation and in-process
// per-instance request statistics for the AI gateway. Prometheus collectors
// are registered once via Init and exposed through Handler for scraping; the
// Recorder keeps bounded per-instance aggregates for the admin API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamRequests counts outbound requests by instance, operation, and outcome.
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_upstream_requests_total",
			Help: "Total upstream requests by instance, operation, and outcome",
		},
		[]string{"instance", "operation", "outcome"},
	)

	// UpstreamDuration observes upstream call latency in seconds.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_upstream_duration_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance", "operation"},
	)

	// Retries counts retry attempts by instance, operation, and failure class.
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"instance", "operation", "class"},
	)

	// Fallbacks counts degraded-mode responses synthesized per operation.
	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_fallback_responses_total",
			Help: "Total degraded fallback responses synthesized",
		},
		[]string{"operation"},
	)

	// BreakerState reports the current circuit breaker state per instance
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_circuit_breaker_state",
			Help: "Circuit breaker state per instance (0=closed, 1=open, 2=half-open)",
		},
		[]string{"instance"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"instance", "from", "to"},
	)

	// PrimaryFallbacks counts connection-failure hops to the primary instance.
	PrimaryFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_primary_fallbacks_total",
			Help: "Total reroutes to the primary instance after a connection failure",
		},
		[]string{"from_instance", "operation"},
	)

	// TokenRefreshes counts service token mints by result.
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_token_refreshes_total",
			Help: "Total service token refreshes",
		},
		[]string{"result"},
	)

	// RateLimitHits counts inbound rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aigateway_rate_limit_hits_total",
			Help: "Total inbound rate limit rejections",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		UpstreamRequests,
		UpstreamDuration,
		Retries,
		Fallbacks,
		BreakerState,
		BreakerTransitions,
		PrimaryFallbacks,
		TokenRefreshes,
		RateLimitHits,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
