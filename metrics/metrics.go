// Package metrics exposes Prometheus metrics for the relay's routing loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/llmrelay/llmrelay"
)

const namespace = "llmrelay"

// attemptLatencyBuckets covers the realistic LLM latency range, sub-second
// through multi-minute generations.
var attemptLatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300,
}

var (
	routeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_attempts_total",
			Help:      "Routing attempts by provider",
		},
		[]string{"provider"},
	)

	routeSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_successes_total",
			Help:      "Successful routes by provider",
		},
		[]string{"provider"},
	)

	routeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_failures_total",
			Help:      "Failed attempts by provider and normalized error kind",
		},
		[]string{"provider", "error_kind"},
	)

	routeFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_fallbacks_total",
			Help:      "Fallbacks to another provider",
		},
		[]string{"provider"},
	)

	routeExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_exhaustions_total",
			Help:      "Route calls that ran out of eligible providers",
		},
	)

	attemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_latency_seconds",
			Help:      "Per-attempt latency in seconds",
			Buckets:   attemptLatencyBuckets,
		},
		[]string{"provider", "outcome"},
	)

	providerHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health_score",
			Help:      "Current provider health score in [0,1]",
		},
		[]string{"provider"},
	)
)

// Sink translates routing events into Prometheus metrics. Wire it with
// llmrelay.WithEventSink, typically inside a MultiSink next to logging.
type Sink struct{}

// NewSink creates the metrics event sink.
func NewSink() *Sink {
	return &Sink{}
}

// Log implements llmrelay.EventSink.
func (s *Sink) Log(e llmrelay.Event) {
	switch e.Kind {
	case llmrelay.EventAttempt:
		routeAttempts.WithLabelValues(e.ProviderID).Inc()
	case llmrelay.EventSuccess:
		routeSuccesses.WithLabelValues(e.ProviderID).Inc()
		attemptLatency.WithLabelValues(e.ProviderID, "success").Observe(float64(e.LatencyMs) / 1000)
	case llmrelay.EventFailure:
		routeFailures.WithLabelValues(e.ProviderID, string(e.ErrorKind)).Inc()
		attemptLatency.WithLabelValues(e.ProviderID, "failure").Observe(float64(e.LatencyMs) / 1000)
	case llmrelay.EventFallback:
		routeFallbacks.WithLabelValues(e.ProviderID).Inc()
	case llmrelay.EventExhaust:
		routeExhaustions.Inc()
	}
}

// SetHealthScore publishes a provider's current health score.
func SetHealthScore(providerID string, score float64) {
	providerHealthScore.WithLabelValues(providerID).Set(score)
}
