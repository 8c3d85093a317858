// Package health tracks per-provider reliability: EWMA latency, cumulative
// success/failure counters, a derived score in [0,1], and the circuit fields
// the breaker persists between restarts.
package health

import (
	"time"

	"github.com/llmrelay/llmrelay/pkg/errors"
)

// EWMAAlpha is the smoothing factor for the latency moving average.
const EWMAAlpha = 0.2

// latencyPenaltyDivisorMs converts the latency EWMA into a score penalty.
// 10s of smoothed latency costs the full 0.5 penalty cap.
const latencyPenaltyDivisorMs = 10_000

// CircuitState is the persisted circuit breaker state for a provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Status buckets a score for display and for external consumers.
type Status string

const (
	StatusExcellent   Status = "excellent"
	StatusGood        Status = "good"
	StatusDegraded    Status = "degraded"
	StatusPoor        Status = "poor"
	StatusUnavailable Status = "unavailable"
)

// ProviderHealth is the per-provider health record.
type ProviderHealth struct {
	ProviderID    string       `json:"provider_id"`
	Score         float64      `json:"score"`
	LatencyEWMAMs float64      `json:"latency_ewma_ms"`
	SuccessCount  int64        `json:"success_count"`
	FailureCount  int64        `json:"failure_count"`
	LastSuccessAt *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	LastErrorKind errors.Kind  `json:"last_error_kind,omitempty"`
	CircuitState  CircuitState `json:"circuit_state"`
	CircuitOpenedAt *time.Time `json:"circuit_opened_at,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
}

// Status classifies the record's score.
func (h *ProviderHealth) Status() Status {
	return StatusOf(h.Score)
}

// StatusOf buckets a score.
func StatusOf(score float64) Status {
	switch {
	case score >= 0.9:
		return StatusExcellent
	case score >= 0.7:
		return StatusGood
	case score >= 0.5:
		return StatusDegraded
	case score >= 0.3:
		return StatusPoor
	default:
		return StatusUnavailable
	}
}

// Score derives the health score from the counters and smoothed latency.
// With no observations the provider is assumed healthy (score 1.0).
func Score(successCount, failureCount int64, latencyEWMAMs float64) float64 {
	total := successCount + failureCount
	rate := 1.0
	if total > 0 {
		rate = float64(successCount) / float64(total)
	}
	penalty := latencyEWMAMs / latencyPenaltyDivisorMs
	if penalty > 0.5 {
		penalty = 0.5
	}
	return clamp01(rate * (1 - penalty))
}

// EWMA folds a new latency sample into the moving average. The first sample
// initializes the average.
func EWMA(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return EWMAAlpha*sample + (1-EWMAAlpha)*prev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fresh returns a new healthy record for a provider.
func fresh(providerID string) *ProviderHealth {
	return &ProviderHealth{
		ProviderID:   providerID,
		Score:        1.0,
		CircuitState: CircuitClosed,
	}
}
