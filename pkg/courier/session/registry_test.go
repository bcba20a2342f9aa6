package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// memSessionStore is an in-memory Store for tests.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	saves    int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*Session)}
}

func (m *memSessionStore) Get(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Key] = &cp
	m.saves++
	return nil
}

func (m *memSessionStore) Link(_ context.Context, key, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	s.UserID = userID
	s.ConversationID = conversationID
	return nil
}

func (m *memSessionStore) Touch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.LastActivityAt = at
	}
	return nil
}

func (m *memSessionStore) List(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func TestGetOrCreateIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemSessionStore()
	reg := NewRegistry(store, "", nil)

	p := Params{AgentID: "amelia", Channel: "telegram", PeerKind: PeerDirect, PeerID: "123"}

	first, err := reg.GetOrCreate(ctx, p)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.DMScope != "main" {
		t.Errorf("DMScope = %q, want %q", first.DMScope, "main")
	}

	second, err := reg.GetOrCreate(ctx, p)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first != second {
		t.Errorf("GetOrCreate() returned a new session for the same tuple")
	}
	if store.saves != 1 {
		t.Errorf("store saves = %d, want 1", store.saves)
	}
}

func TestGetOrCreateLoadsPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemSessionStore()
	key, _ := BuildKey(Params{AgentID: "amelia", Channel: "telegram", PeerKind: PeerDirect, PeerID: "9"})
	persisted := &Session{Key: key, AgentID: "amelia", Channel: "telegram", PeerKind: PeerDirect, PeerID: "9", UserID: "u-9"}
	if err := store.Save(ctx, persisted); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reg := NewRegistry(store, "", nil)
	got, err := reg.GetOrCreate(ctx, Params{AgentID: "amelia", Channel: "telegram", PeerKind: PeerDirect, PeerID: "9"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if got.UserID != "u-9" {
		t.Errorf("UserID = %q, want %q (persisted session must be reused)", got.UserID, "u-9")
	}
	if store.saves != 1 {
		t.Errorf("store saves = %d, want 1 (no re-create)", store.saves)
	}
}

func TestLinkToUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemSessionStore()
	reg := NewRegistry(store, "", nil)

	s, err := reg.GetOrCreate(ctx, Params{AgentID: "a", Channel: "whatsapp", PeerKind: PeerDirect, PeerID: "5511"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := reg.LinkToUser(ctx, s.Key, "user-1", "conv-1"); err != nil {
		t.Fatalf("LinkToUser() error = %v", err)
	}

	got, _ := store.Get(ctx, s.Key)
	if got.UserID != "user-1" || got.ConversationID != "conv-1" {
		t.Errorf("persisted link = (%q, %q), want (user-1, conv-1)", got.UserID, got.ConversationID)
	}
	if s.UserID != "user-1" {
		t.Errorf("cached session not updated, UserID = %q", s.UserID)
	}
}

func TestTouchUpdatesOnlyActivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemSessionStore()
	reg := NewRegistry(store, "", nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	reg.now = func() time.Time { return now }

	s, err := reg.GetOrCreate(ctx, Params{AgentID: "a", Channel: "telegram", PeerKind: PeerDirect, PeerID: "1"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	now = base.Add(time.Hour)
	if err := reg.Touch(ctx, s.Key); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	got, _ := store.Get(ctx, s.Key)
	if !got.LastActivityAt.Equal(base.Add(time.Hour)) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, base.Add(time.Hour))
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt changed on touch: %v", got.CreatedAt)
	}
}
