// Package store holds the relay's configuration and persistence seams:
// provider descriptors (static configuration with mutable enabled/priority)
// and conversation messages.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDescriptorNotFound is returned when a provider id is not configured.
var ErrDescriptorNotFound = errors.New("provider descriptor not found")

// Descriptor is one configured provider. Only Enabled and Priority change
// after registration.
type Descriptor struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description,omitempty"`
	Enabled     bool   `yaml:"enabled"`
	Priority    int    `yaml:"priority"`
	HasKey      bool   `yaml:"has_key,omitempty"`
	KeyHint     string `yaml:"key_hint,omitempty"`
}

// Validate rejects descriptors the relay cannot route with.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("descriptor id is required")
	}
	if d.Priority < 0 || d.Priority > 100 {
		return fmt.Errorf("descriptor %s: priority %d out of [0,100]", d.ID, d.Priority)
	}
	return nil
}

// Patch carries the mutable descriptor fields. Nil means leave unchanged.
type Patch struct {
	Enabled  *bool
	Priority *int
}

// DescriptorStore is the provider descriptor seam.
type DescriptorStore interface {
	List(ctx context.Context) ([]Descriptor, error)
	Get(ctx context.Context, id string) (*Descriptor, error)
	Update(ctx context.Context, id string, patch Patch) error
}

// MemoryDescriptorStore is a mutex-guarded in-memory DescriptorStore.
type MemoryDescriptorStore struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewMemoryDescriptorStore seeds a store with the given descriptors.
func NewMemoryDescriptorStore(descs ...Descriptor) (*MemoryDescriptorStore, error) {
	s := &MemoryDescriptorStore{descriptors: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		s.descriptors[d.ID] = d
	}
	return s, nil
}

// List returns all descriptors sorted by id for stable iteration.
func (s *MemoryDescriptorStore) List(ctx context.Context) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a copy of one descriptor.
func (s *MemoryDescriptorStore) Get(ctx context.Context, id string) (*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.descriptors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, id)
	}
	return &d, nil
}

// Update applies the patch to the mutable fields.
func (s *MemoryDescriptorStore) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.descriptors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDescriptorNotFound, id)
	}
	if patch.Enabled != nil {
		d.Enabled = *patch.Enabled
	}
	if patch.Priority != nil {
		if *patch.Priority < 0 || *patch.Priority > 100 {
			return fmt.Errorf("descriptor %s: priority %d out of [0,100]", id, *patch.Priority)
		}
		d.Priority = *patch.Priority
	}
	s.descriptors[id] = d
	return nil
}
