// Package metrics provides Prometheus metrics for the gateway: request
// counts and latencies, per-provider success/failure totals, blacklist state,
// and streaming health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "modelrouter"
)

// LatencyBuckets covers the gateway's request envelope, from sub-second
// unary calls up to the 120s global deadline.
var LatencyBuckets = []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0}

// FirstChunkBuckets is sized around the first-chunk timeout (seconds).
var FirstChunkBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0}

// TokenBuckets covers typical completion sizes up to the max_tokens cap.
var TokenBuckets = []float64{10, 50, 100, 250, 500, 1000, 2000, 4000}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// RequestsTotal counts requests by route, method, and response status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests received",
		},
		[]string{"route", "method", "status"},
	)

	// RequestLatency tracks end-to-end request latency per route.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"route"},
	)
)

// =============================================================================
// Provider Metrics
// =============================================================================

var (
	// ProviderFailures counts upstream failures by provider and error code.
	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Total number of provider failures",
		},
		[]string{"provider", "reason"},
	)

	// ProviderSuccess counts completed generations per provider.
	ProviderSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_success_total",
			Help:      "Total number of successful generations per provider",
		},
		[]string{"provider"},
	)

	// ProvidersBlacklisted reflects each provider's quarantine state (0/1).
	ProvidersBlacklisted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "providers_blacklisted",
			Help:      "Whether a provider is currently blacklisted",
		},
		[]string{"provider"},
	)

	// TokensGenerated tracks tokens produced per request, when the upstream
	// reports usage.
	TokensGenerated = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tokens_generated",
			Help:      "Tokens generated per request",
			Buckets:   TokenBuckets,
		},
		[]string{"provider"},
	)
)

// =============================================================================
// Streaming Metrics
// =============================================================================

var (
	// ActiveStreams gauges the number of streams currently being forwarded.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of currently active streams",
		},
	)

	// TimeToFirstChunk tracks how long each committed provider took to emit
	// its first chunk.
	TimeToFirstChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time until the committed provider's first chunk",
			Buckets:   FirstChunkBuckets,
		},
		[]string{"provider"},
	)
)
