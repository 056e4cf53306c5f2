// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts individual (target, credential) call attempts
	// by outcome: "success", or the failure kind that triggered rotation.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_attempts_total",
			Help: "Transport call attempts by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	// CooldownsTotal counts cooldowns placed on (credential, target) pairs.
	CooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_cooldowns_total",
			Help: "Cooldowns placed, by target and duration class.",
		},
		[]string{"target", "class"}, // class: "long" or "short"
	)

	// FallbacksTotal counts advances to a fallback target after a pool
	// was exhausted or had no ready credential.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_fallbacks_total",
			Help: "Fallback target advances.",
		},
		[]string{"from", "to"},
	)

	// ExhaustionsTotal counts cascades that ended with every credential
	// failing on every target.
	ExhaustionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_exhaustions_total",
			Help: "Cascades that exhausted all credentials and targets.",
		},
		[]string{"target"},
	)

	// StreamDiscardsTotal counts discard signals emitted to streaming
	// consumers after a mid-stream failure with partial output.
	StreamDiscardsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genrelay_stream_discards_total",
			Help: "Discard signals emitted on streaming retries.",
		},
	)

	// ShrinkRetriesTotal counts context-shrink retry attempts past the first.
	ShrinkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genrelay_shrink_retries_total",
			Help: "Retries performed after context shrinking.",
		},
	)

	// RequestLatency tracks end-to-end generate latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genrelay_request_latency_seconds",
			Help:    "End-to-end request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"target", "status"},
	)

	// TokenUsageTotal tracks tokens consumed by direction.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_token_usage_total",
			Help: "Total tokens consumed.",
		},
		[]string{"target", "direction"}, // direction: "input" or "output"
	)

	// ActiveRequests tracks in-flight logical requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_active_requests",
			Help: "Number of in-flight requests.",
		},
	)
)
