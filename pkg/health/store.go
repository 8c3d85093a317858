package health

import (
	"context"
	"errors"
	"time"

	relayerrors "github.com/llmrelay/llmrelay/pkg/errors"
)

// ErrNotFound is returned when no health record exists for a provider.
var ErrNotFound = errors.New("health record not found")

// Store persists provider health. The relay is correct against a pure
// in-memory implementation; the Redis implementation lets health survive
// restarts and be shared by observers.
//
// Implementations must apply the EWMA and score rules from this package so
// that records read back are internally consistent, and must be safe for
// concurrent use.
type Store interface {
	// Get returns a copy of the record for a provider.
	Get(ctx context.Context, providerID string) (*ProviderHealth, error)

	// GetAll returns copies of all records keyed by provider ID.
	GetAll(ctx context.Context) (map[string]*ProviderHealth, error)

	// RecordSuccess folds a successful observation into the record,
	// creating it if absent.
	RecordSuccess(ctx context.Context, providerID string, latencyMs float64) error

	// RecordFailure folds a failed observation into the record. The wall
	// time to failure is treated as a latency sample.
	RecordFailure(ctx context.Context, providerID string, latencyMs float64, kind relayerrors.Kind) error

	// SetCircuitState persists a circuit transition. openedAt and
	// cooldownUntil are nil when the transition clears them.
	SetCircuitState(ctx context.Context, providerID string, state CircuitState, openedAt, cooldownUntil *time.Time) error

	// SetCooldown sets the admission cooldown independently of circuit state.
	SetCooldown(ctx context.Context, providerID string, until time.Time) error

	// ClearCooldown removes any admission cooldown.
	ClearCooldown(ctx context.Context, providerID string) error

	// Reset restores the provider to a fresh healthy record.
	Reset(ctx context.Context, providerID string) error

	// Close releases resources held by the store.
	Close() error
}
