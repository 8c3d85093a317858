package health

import (
	"context"
	"sync"
	"time"

	relayerrors "github.com/llmrelay/llmrelay/pkg/errors"
)

// MemoryStore is an in-memory implementation of Store.
//
// Characteristics:
//   - Fast: no network calls
//   - Local-only: health is not shared across processes
//   - No persistence: records are lost on restart
//
// Use it for single-process deployments and tests, or as the fallback when
// Redis is unavailable.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ProviderHealth

	// now is injectable for tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory health store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ProviderHealth),
		now:     time.Now,
	}
}

// Get returns a copy of the record for a provider.
func (m *MemoryStore) Get(ctx context.Context, providerID string) (*ProviderHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetAll returns copies of all records.
func (m *MemoryStore) GetAll(ctx context.Context) (map[string]*ProviderHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*ProviderHealth, len(m.records))
	for id, rec := range m.records {
		cp := *rec
		out[id] = &cp
	}
	return out, nil
}

// RecordSuccess folds a successful observation into the record.
func (m *MemoryStore) RecordSuccess(ctx context.Context, providerID string, latencyMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(providerID)
	now := m.now()
	rec.LatencyEWMAMs = EWMA(rec.LatencyEWMAMs, latencyMs)
	rec.SuccessCount++
	rec.LastSuccessAt = &now
	rec.Score = Score(rec.SuccessCount, rec.FailureCount, rec.LatencyEWMAMs)
	return nil
}

// RecordFailure folds a failed observation into the record.
func (m *MemoryStore) RecordFailure(ctx context.Context, providerID string, latencyMs float64, kind relayerrors.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(providerID)
	now := m.now()
	rec.LatencyEWMAMs = EWMA(rec.LatencyEWMAMs, latencyMs)
	rec.FailureCount++
	rec.LastFailureAt = &now
	rec.LastErrorKind = kind
	rec.Score = Score(rec.SuccessCount, rec.FailureCount, rec.LatencyEWMAMs)
	return nil
}

// SetCircuitState persists a circuit transition.
func (m *MemoryStore) SetCircuitState(ctx context.Context, providerID string, state CircuitState, openedAt, cooldownUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(providerID)
	rec.CircuitState = state
	rec.CircuitOpenedAt = openedAt
	if cooldownUntil != nil {
		rec.CooldownUntil = cooldownUntil
	} else if state == CircuitClosed {
		rec.CooldownUntil = nil
	}
	return nil
}

// SetCooldown sets the admission cooldown.
func (m *MemoryStore) SetCooldown(ctx context.Context, providerID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(providerID)
	rec.CooldownUntil = &until
	return nil
}

// ClearCooldown removes any admission cooldown.
func (m *MemoryStore) ClearCooldown(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(providerID)
	rec.CooldownUntil = nil
	return nil
}

// Reset restores the provider to a fresh healthy record.
func (m *MemoryStore) Reset(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[providerID] = fresh(providerID)
	return nil
}

// Close clears all records.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]*ProviderHealth)
	return nil
}

// getOrCreateLocked returns the existing record or a fresh one.
// MUST be called with m.mu locked.
func (m *MemoryStore) getOrCreateLocked(providerID string) *ProviderHealth {
	rec, ok := m.records[providerID]
	if !ok {
		rec = fresh(providerID)
		m.records[providerID] = rec
	}
	return rec
}
