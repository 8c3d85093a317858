// Package routers implements candidate selection for the relay: eligibility
// filtering over the registered providers and weighted random sampling with
// an anti-repeat penalty.
package routers

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/llmrelay/llmrelay/internal/store"
	"github.com/llmrelay/llmrelay/pkg/health"
)

// ErrNoEligibleProviders is returned by Select when the candidate slice is empty.
var ErrNoEligibleProviders = errors.New("no eligible providers")

// Candidate is one provider that passed all eligibility checks for the
// current selection round. Weight is fixed at build time.
type Candidate struct {
	ID          string
	DisplayName string
	Priority    int
	HealthScore float64
	Weight      float64
}

// SelectionOptions narrows one selection round.
type SelectionOptions struct {
	// Exclude removes providers already tried in this route call.
	Exclude map[string]struct{}
	// Recent lists the providers that served this conversation, oldest
	// first. Only the last three attract an anti-repeat penalty.
	Recent []string
}

// AdapterSet is the registry view the pool needs.
type AdapterSet interface {
	Has(id string) bool
}

// DescriptorSource lists the configured provider descriptors.
type DescriptorSource interface {
	List(ctx context.Context) ([]store.Descriptor, error)
}

// CredentialChecker reports whether a usable credential exists for a provider.
type CredentialChecker interface {
	HasCredential(ctx context.Context, providerID string) bool
}

// HealthSource reads provider health records.
type HealthSource interface {
	Get(ctx context.Context, providerID string) (*health.ProviderHealth, error)
}

// Admission gates providers on circuit state and cooldowns.
type Admission interface {
	CanAttempt(ctx context.Context, providerID string) bool
	CooldownActive(ctx context.Context, providerID string) bool
}

// Pool builds and samples candidate sets. Safe for concurrent use.
type Pool struct {
	adapters    AdapterSet
	descriptors DescriptorSource
	credentials CredentialChecker
	healthSrc   HealthSource
	admission   Admission

	rngMu sync.Mutex
	rng   *rand.Rand
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRand injects the random source used for weights and sampling (tests).
func WithRand(rng *rand.Rand) PoolOption {
	return func(p *Pool) {
		p.rng = rng
	}
}

// NewPool creates a candidate pool over the given collaborators.
func NewPool(adapters AdapterSet, descriptors DescriptorSource, credentials CredentialChecker, healthSrc HealthSource, admission Admission, opts ...PoolOption) *Pool {
	p := &Pool{
		adapters:    adapters,
		descriptors: descriptors,
		credentials: credentials,
		healthSrc:   healthSrc,
		admission:   admission,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) randFloat64() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

func (p *Pool) randIntn(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(n)
}

// Candidates returns the eligible providers with their weights computed.
// A provider qualifies when it is registered, enabled, has a credential, is
// not excluded, its circuit admits attempts, no cooldown is active, and a
// health record exists for it.
func (p *Pool) Candidates(ctx context.Context, opts SelectionOptions) ([]Candidate, error) {
	descs, err := p.descriptors.List(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(descs))
	for _, d := range descs {
		if !d.Enabled || !p.adapters.Has(d.ID) {
			continue
		}
		if _, excluded := opts.Exclude[d.ID]; excluded {
			continue
		}
		if !p.credentials.HasCredential(ctx, d.ID) {
			continue
		}
		if !p.admission.CanAttempt(ctx, d.ID) {
			continue
		}
		if p.admission.CooldownActive(ctx, d.ID) {
			continue
		}
		rec, err := p.healthSrc.Get(ctx, d.ID)
		if err != nil {
			// No health record means a stale registration; skip it.
			continue
		}

		candidates = append(candidates, Candidate{
			ID:          d.ID,
			DisplayName: d.DisplayName,
			Priority:    d.Priority,
			HealthScore: rec.Score,
			Weight:      candidateWeight(rec.Score, d.Priority, p.randFloat64()) * antiRepeatMultiplier(d.ID, opts.Recent),
		})
	}
	return candidates, nil
}

// Select draws one candidate by weighted random sampling. A nil return means
// the slice was empty. When every weight is zero the draw is uniform.
func (p *Pool) Select(candidates []Candidate) *Candidate {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return &candidates[0]
	}

	var total float64
	for _, c := range candidates {
		total += c.Weight
	}
	if total == 0 {
		return &candidates[p.randIntn(len(candidates))]
	}

	target := p.randFloat64() * total
	var cumulative float64
	for i := range candidates {
		cumulative += candidates[i].Weight
		if target <= cumulative {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}
