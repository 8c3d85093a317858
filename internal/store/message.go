package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMessageNotFound is returned for unknown message ids.
var ErrMessageNotFound = errors.New("message not found")

// Message is one stored conversation turn. Provider metadata is filled in
// after routing completes.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	ProviderID     string
	Model          string
	Tokens         int
	LatencyMs      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageMetadata is the post-routing update applied to a placeholder
// assistant message.
type MessageMetadata struct {
	Content    string
	ProviderID string
	Model      string
	Tokens     int
	LatencyMs  int64
}

// MessageStore persists conversation messages.
type MessageStore interface {
	Create(ctx context.Context, conversationID, role, content string) (string, error)
	UpdateMetadata(ctx context.Context, id string, meta MessageMetadata) error
	Delete(ctx context.Context, id string) error
	ListByConversation(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}

// MemoryMessageStore is a mutex-guarded in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string]Message
	now      func() time.Time
}

// NewMemoryMessageStore creates an empty in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string]Message),
		now:      time.Now,
	}
}

func (s *MemoryMessageStore) Create(ctx context.Context, conversationID, role, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := s.now()
	s.messages[id] = Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return id, nil
}

func (s *MemoryMessageStore) UpdateMetadata(ctx context.Context, id string, meta MessageMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	m.Content = meta.Content
	m.ProviderID = meta.ProviderID
	m.Model = meta.Model
	m.Tokens = meta.Tokens
	m.LatencyMs = meta.LatencyMs
	m.UpdatedAt = s.now()
	s.messages[id] = m
	return nil
}

func (s *MemoryMessageStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrMessageNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryMessageStore) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryMessageStore) Close() error { return nil }
