// Package metrics provides Prometheus instrumentation for the kongjwt tools.
// All metric collectors are registered with the default registry by Init and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AdminRequestsTotal counts Kong Admin API calls by endpoint and status
	// ("error" when no response was received).
	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kongjwt_admin_requests_total",
			Help: "Total Kong Admin API requests",
		},
		[]string{"endpoint", "status"},
	)

	// AdminRequestDuration observes Kong Admin API latency in seconds.
	AdminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kongjwt_admin_request_duration_seconds",
			Help:    "Kong Admin API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// TokensIssued counts signed tokens by source ("consumer", "static", "poller").
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kongjwt_tokens_issued_total",
			Help: "Total tokens signed",
		},
		[]string{"source"},
	)

	// PollRequestsTotal counts poll attempts by target and outcome.
	PollRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipoller_requests_total",
			Help: "Total poll attempts by outcome",
		},
		[]string{"target", "outcome"},
	)

	// PollDuration observes poll latency in seconds by target.
	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apipoller_request_duration_seconds",
			Help:    "Poll request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	// AuthFailures counts sandbox upstream authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// RateLimitHits counts sandbox upstream requests rejected by the rate
	// limiter, by credential key (or "anonymous").
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_rate_limit_hits_total",
			Help: "Total requests rejected by the sandbox rate limiter",
		},
		[]string{"key"},
	)

	// ForwardedTotal counts sandbox requests forwarded to a real backend,
	// by response status.
	ForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_forwarded_requests_total",
			Help: "Total requests forwarded by the sandbox proxy",
		},
		[]string{"status"},
	)

	// ForwardDuration observes forwarded request latency.
	ForwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_forward_duration_seconds",
			Help:    "Latency of requests forwarded by the sandbox proxy",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CircuitBreakerStateChanges counts breaker transitions by target and new state.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipoller_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"target", "to"},
	)

	// CircuitBreakerState reports the current breaker state per target
	// (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apipoller_circuit_breaker_state",
			Help: "Current circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"target"},
	)
)

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Calls after the first are no-ops.
func Init() {
	initOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		AdminRequestsTotal,
		AdminRequestDuration,
		TokensIssued,
		PollRequestsTotal,
		PollDuration,
		AuthFailures,
		RateLimitHits,
		ForwardedTotal,
		ForwardDuration,
		CircuitBreakerStateChanges,
		CircuitBreakerState,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
