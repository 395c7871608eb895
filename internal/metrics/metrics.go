// Package metrics defines the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aigateway"

var (
	// OutboundRequests counts resilient client calls by destination
	// host and outcome (success, http_error, transport_error, timeout,
	// circuit_open, canceled).
	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_requests_total",
			Help:      "Outbound HTTP calls by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)

	// ProviderRequests counts adapter dispatches by provider, model and
	// outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider adapter calls by provider, model and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	// ProviderLatency observes adapter call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider adapter call latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// RouterFallbacks counts fallback dispatches by primary and
	// fallback provider.
	RouterFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_fallbacks_total",
			Help:      "Fallback dispatches after primary provider failure",
		},
		[]string{"from_provider", "to_provider"},
	)

	// BreakerState exposes each circuit breaker's state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// TelemetryEvents counts recorded telemetry events.
	TelemetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_total",
			Help:      "Telemetry events recorded by category and level",
		},
		[]string{"category", "level"},
	)
)
