package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedStore decorates a Store with TTL caching so hot routing paths do not
// hit Vault (or any slow backend) on every eligibility check. Saves and
// removals invalidate immediately.
type CachedStore struct {
	inner Store
	cache *cache.Cache
}

// NewCachedStore wraps a store with the given credential TTL.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

func (s *CachedStore) GetKey(ctx context.Context, providerID string) (string, error) {
	if val, found := s.cache.Get(providerID); found {
		if key, ok := val.(string); ok {
			return key, nil
		}
	}

	key, err := s.inner.GetKey(ctx, providerID)
	if err != nil {
		return "", err
	}
	s.cache.Set(providerID, key, cache.DefaultExpiration)
	return key, nil
}

func (s *CachedStore) SaveKey(ctx context.Context, providerID, credential string) error {
	if err := s.inner.SaveKey(ctx, providerID, credential); err != nil {
		return err
	}
	s.cache.Delete(providerID)
	return nil
}

func (s *CachedStore) RemoveKey(ctx context.Context, providerID string) error {
	if err := s.inner.RemoveKey(ctx, providerID); err != nil {
		return err
	}
	s.cache.Delete(providerID)
	return nil
}

func (s *CachedStore) HasCredential(ctx context.Context, providerID string) bool {
	_, err := s.GetKey(ctx, providerID)
	return err == nil
}
