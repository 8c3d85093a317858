package llmrelay

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// recentProvidersCap bounds the per-conversation FIFO.
const recentProvidersCap = 10

// RecentProviders remembers which providers served each conversation, oldest
// first, bounded per conversation. It feeds the anti-repeat penalty. Entries
// expire with the cache TTL so idle conversations release memory.
type RecentProviders struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewRecentProviders creates the per-conversation memory with the given TTL.
func NewRecentProviders(ttl time.Duration) *RecentProviders {
	return &RecentProviders{
		cache: cache.New(ttl, ttl*2),
	}
}

// Get returns a copy of the conversation's recent providers, oldest first.
func (r *RecentProviders) Get(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	val, found := r.cache.Get(conversationID)
	if !found {
		return nil
	}
	list := val.([]string)
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Push appends a provider to the conversation's list, evicting the oldest
// entry past the cap.
func (r *RecentProviders) Push(conversationID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []string
	if val, found := r.cache.Get(conversationID); found {
		list = val.([]string)
	}
	list = append(list, providerID)
	if len(list) > recentProvidersCap {
		list = list[len(list)-recentProvidersCap:]
	}
	r.cache.Set(conversationID, list, cache.DefaultExpiration)
}

// Clear forgets a conversation.
func (r *RecentProviders) Clear(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(conversationID)
}
