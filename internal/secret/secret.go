// Package secret supplies provider credentials to the relay. A credential is
// an opaque string; for some providers it encodes extra fields ("account:token"
// or "base_url|key" for local runtimes). Resolution is pluggable: literal
// values, environment variables, or Vault, addressed by scheme-prefixed
// references like "env://OPENAI_API_KEY" or "vault://secret/data/openai#key".
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoCredential is returned when a provider has no stored credential.
var ErrNoCredential = errors.New("no credential for provider")

// Resolver fetches a secret value for a scheme-local path.
type Resolver interface {
	Get(ctx context.Context, path string) (string, error)
	Close() error
}

// Store is the credential seam the relay routes through, keyed by provider id.
type Store interface {
	// GetKey returns the credential for a provider, resolving references.
	GetKey(ctx context.Context, providerID string) (string, error)
	// SaveKey stores a credential or reference for a provider.
	SaveKey(ctx context.Context, providerID, credential string) error
	// RemoveKey deletes the provider's credential.
	RemoveKey(ctx context.Context, providerID string) error
	// HasCredential reports whether GetKey would succeed.
	HasCredential(ctx context.Context, providerID string) bool
}

// Manager routes credential references to resolvers by scheme and implements
// Store over a mutable reference map. A reference without a scheme is a
// literal credential.
type Manager struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	refs      map[string]string
}

// NewManager creates a manager seeded with provider → reference entries.
func NewManager(refs map[string]string) *Manager {
	m := &Manager{
		resolvers: make(map[string]Resolver),
		refs:      make(map[string]string, len(refs)),
	}
	for id, ref := range refs {
		m.refs[id] = ref
	}
	return m
}

// RegisterResolver attaches a resolver for a scheme ("env", "vault").
func (m *Manager) RegisterResolver(scheme string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[scheme] = r
}

// GetKey resolves the provider's credential reference.
func (m *Manager) GetKey(ctx context.Context, providerID string) (string, error) {
	m.mu.RLock()
	ref, ok := m.refs[providerID]
	m.mu.RUnlock()
	if !ok || ref == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, providerID)
	}
	return m.resolve(ctx, ref)
}

func (m *Manager) resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, found := strings.Cut(ref, "://")
	if !found {
		// No scheme: the reference is the credential itself.
		return ref, nil
	}

	m.mu.RLock()
	r, ok := m.resolvers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no credential resolver for scheme %q", scheme)
	}
	return r.Get(ctx, path)
}

// SaveKey stores a credential (or reference) for a provider.
func (m *Manager) SaveKey(ctx context.Context, providerID, credential string) error {
	if credential == "" {
		return errors.New("credential must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[providerID] = credential
	return nil
}

// RemoveKey deletes the provider's credential reference.
func (m *Manager) RemoveKey(ctx context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refs, providerID)
	return nil
}

// HasCredential reports whether the provider's credential resolves.
func (m *Manager) HasCredential(ctx context.Context, providerID string) bool {
	_, err := m.GetKey(ctx, providerID)
	return err == nil
}

// Close closes every registered resolver.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, r := range m.resolvers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close resolvers: %s", strings.Join(errs, "; "))
	}
	return nil
}
