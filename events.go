package llmrelay

import (
	"log/slog"
	"time"

	"github.com/llmrelay/llmrelay/pkg/errors"
)

// EventKind labels one routing event.
type EventKind string

const (
	// EventAttempt is emitted when a candidate is chosen for an attempt.
	EventAttempt EventKind = "attempt"
	// EventSuccess is emitted once when an attempt completes the request.
	EventSuccess EventKind = "success"
	// EventFailure is emitted when an attempt fails.
	EventFailure EventKind = "failure"
	// EventFallback follows a failure when the relay will try another
	// candidate.
	EventFallback EventKind = "fallback"
	// EventExhaust is emitted once when no eligible candidates remain.
	EventExhaust EventKind = "exhaust"
)

// Event is one observability record from the routing loop. Events never feed
// back into routing decisions.
type Event struct {
	ConversationID string
	MessageID      string
	Kind           EventKind
	ProviderID     string
	Attempt        int
	LatencyMs      int64
	ErrorKind      errors.Kind
	ErrorMessage   string
	Timestamp      time.Time
}

// EventSink receives routing events.
type EventSink interface {
	Log(event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Log(Event) {}

// SlogSink logs events through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Log(e Event) {
	attrs := []any{
		"kind", string(e.Kind),
		"conversation", e.ConversationID,
		"attempt", e.Attempt,
	}
	if e.ProviderID != "" {
		attrs = append(attrs, "provider", e.ProviderID)
	}
	if e.LatencyMs > 0 {
		attrs = append(attrs, "latency_ms", e.LatencyMs)
	}
	if e.ErrorKind != "" {
		attrs = append(attrs, "error_kind", string(e.ErrorKind), "error", e.ErrorMessage)
	}

	switch e.Kind {
	case EventFailure, EventExhaust:
		s.logger.Warn("route event", attrs...)
	default:
		s.logger.Info("route event", attrs...)
	}
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Log(e Event) {
	for _, s := range m {
		s.Log(e)
	}
}
