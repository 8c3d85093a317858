// Package resilience implements the per-provider circuit breaker that guards
// the relay's candidate pool. The breaker keeps its consecutive-failure
// counters in memory (they are transient by design) and persists the circuit
// state and cooldowns through the health store so they survive restarts.
package resilience

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/llmrelay/llmrelay/pkg/health"
)

// Breaker tuning. CooldownBase doubles as the default rate-limit cooldown
// when the upstream gives no retry hint.
const (
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold = 3
	// CooldownBase is the first open-circuit cooldown.
	CooldownBase = 2 * time.Minute
	// CooldownMax caps every cooldown, including rate-limit cooldowns.
	CooldownMax = 10 * time.Minute
	// CooldownMultiplier escalates the cooldown for failures past the threshold.
	CooldownMultiplier = 1.5
)

// Breaker is the process-wide circuit breaker over all providers.
// It is safe for concurrent use.
type Breaker struct {
	store  health.Store
	logger *slog.Logger

	mu          sync.Mutex
	consecutive map[string]int

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the breaker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// New creates a breaker persisting through the given health store.
func New(store health.Store, opts ...Option) *Breaker {
	b := &Breaker{
		store:       store,
		logger:      slog.Default(),
		consecutive: make(map[string]int),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the provider's circuit state, applying the lazy open to
// half-open transition when the cooldown has elapsed. The transition is
// persisted so later observers see it too; there is no background timer.
func (b *Breaker) State(ctx context.Context, providerID string) health.CircuitState {
	rec, err := b.store.Get(ctx, providerID)
	if err != nil {
		return health.CircuitClosed
	}

	state := rec.CircuitState
	if state == "" {
		state = health.CircuitClosed
	}
	if state == health.CircuitOpen && rec.CooldownUntil != nil && !b.now().Before(*rec.CooldownUntil) {
		if err := b.store.SetCircuitState(ctx, providerID, health.CircuitHalfOpen, rec.CircuitOpenedAt, rec.CooldownUntil); err != nil {
			b.logger.Warn("circuit half-open transition not persisted", "provider", providerID, "error", err)
		}
		return health.CircuitHalfOpen
	}
	return state
}

// CanAttempt reports whether a request may be admitted to the provider.
// Only an open circuit blocks admission; half-open lets the probe through.
func (b *Breaker) CanAttempt(ctx context.Context, providerID string) bool {
	return b.State(ctx, providerID) != health.CircuitOpen
}

// CooldownActive reports whether an admission cooldown is in effect,
// independently of the circuit state. The candidate pool checks this in
// addition to CanAttempt.
func (b *Breaker) CooldownActive(ctx context.Context, providerID string) bool {
	rec, err := b.store.Get(ctx, providerID)
	if err != nil || rec.CooldownUntil == nil {
		return false
	}
	return b.now().Before(*rec.CooldownUntil)
}

// RecordSuccess clears the consecutive-failure counter and closes the
// circuit if it was half-open (or open, should a success slip through).
func (b *Breaker) RecordSuccess(ctx context.Context, providerID string) {
	b.mu.Lock()
	b.consecutive[providerID] = 0
	b.mu.Unlock()

	rec, err := b.store.Get(ctx, providerID)
	if err != nil {
		return
	}
	if rec.CircuitState != health.CircuitClosed && rec.CircuitState != "" {
		if err := b.store.SetCircuitState(ctx, providerID, health.CircuitClosed, nil, nil); err != nil {
			b.logger.Warn("circuit close not persisted", "provider", providerID, "error", err)
		} else {
			b.logger.Info("circuit closed", "provider", providerID)
		}
	}
}

// RecordFailure increments the consecutive-failure counter and opens the
// circuit once the threshold is reached. The counter keeps counting past the
// threshold, which escalates the cooldown exponentially; a half-open probe
// failure therefore reopens with a longer cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, providerID string) {
	b.mu.Lock()
	b.consecutive[providerID]++
	failures := b.consecutive[providerID]
	b.mu.Unlock()

	if failures < FailureThreshold {
		return
	}

	cooldown := time.Duration(float64(CooldownBase) * math.Pow(CooldownMultiplier, float64(failures-FailureThreshold)))
	if cooldown > CooldownMax {
		cooldown = CooldownMax
	}

	now := b.now()
	until := now.Add(cooldown)
	if err := b.store.SetCircuitState(ctx, providerID, health.CircuitOpen, &now, &until); err != nil {
		b.logger.Warn("circuit open not persisted", "provider", providerID, "error", err)
		return
	}
	b.logger.Warn("circuit opened",
		"provider", providerID,
		"consecutive_failures", failures,
		"cooldown_until", until,
	)
}

// ApplyRateLimitCooldown blocks admission until the upstream's suggested
// retry time, capped at CooldownMax. With no hint the base cooldown applies.
// The circuit state itself is untouched.
func (b *Breaker) ApplyRateLimitCooldown(ctx context.Context, providerID string, retryAfter time.Duration) {
	d := retryAfter
	if d <= 0 {
		d = CooldownBase
	}
	if d > CooldownMax {
		d = CooldownMax
	}
	until := b.now().Add(d)
	if err := b.store.SetCooldown(ctx, providerID, until); err != nil {
		b.logger.Warn("rate-limit cooldown not persisted", "provider", providerID, "error", err)
		return
	}
	b.logger.Info("rate-limit cooldown applied", "provider", providerID, "until", until)
}

// Reset is the operator escape hatch: clears the consecutive counter,
// closes the circuit, and removes any cooldown.
func (b *Breaker) Reset(ctx context.Context, providerID string) error {
	b.mu.Lock()
	delete(b.consecutive, providerID)
	b.mu.Unlock()

	if err := b.store.SetCircuitState(ctx, providerID, health.CircuitClosed, nil, nil); err != nil {
		return err
	}
	return b.store.ClearCooldown(ctx, providerID)
}

// ConsecutiveFailures returns the in-memory counter for a provider.
func (b *Breaker) ConsecutiveFailures(providerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive[providerID]
}
