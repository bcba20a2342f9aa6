package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in-process, for tests and ephemeral runs.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	interactions  map[string]int
}

// NewMemoryStore creates an empty in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		interactions:  make(map[string]int),
	}
}

// Get returns a conversation by ID, or nil when none exists.
func (m *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

// FindActive returns the most recent non-closed conversation for the user.
func (m *MemoryStore) FindActive(_ context.Context, userID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID && conv.State != StateClosed {
			candidates = append(candidates, conv)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

// Create inserts a new conversation.
func (m *MemoryStore) Create(_ context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

// Update persists state, context, and close fields.
func (m *MemoryStore) Update(_ context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv.UpdatedAt = time.Now().UTC()
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

// IncrementInteractions atomically bumps the user's interaction counter.
func (m *MemoryStore) IncrementInteractions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions[userID]++
	return m.interactions[userID], nil
}

// InteractionCount returns the user's interaction counter.
func (m *MemoryStore) InteractionCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interactions[userID], nil
}
