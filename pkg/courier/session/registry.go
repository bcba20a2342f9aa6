package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session is one persisted session record, keyed by its canonical string key.
type Session struct {
	Key       string
	AgentID   string
	Channel   string
	AccountID string
	PeerKind  PeerKind
	PeerID    string

	// UserID and ConversationID are empty until identity resolution links
	// the session to a logical user.
	UserID         string
	ConversationID string

	// DMScope controls how direct-message sessions are shared across
	// accounts ("main" by default).
	DMScope string

	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Store persists sessions.
type Store interface {
	// Get returns the session for key, or nil when none exists.
	Get(ctx context.Context, key string) (*Session, error)

	// Save inserts or updates a session.
	Save(ctx context.Context, s *Session) error

	// Link sets the user and conversation for a session.
	Link(ctx context.Context, key, userID, conversationID string) error

	// Touch updates last_activity_at without other mutation.
	Touch(ctx context.Context, key string, at time.Time) error

	// List returns all sessions ordered by last activity, newest first.
	List(ctx context.Context) ([]*Session, error)
}

// Registry is the session registry: lazy creation per key, activity
// touching, and user linking, over a durable store with a small in-process
// cache in front.
type Registry struct {
	store   Store
	dmScope string
	logger  *slog.Logger
	now     func() time.Time

	cache map[string]*Session
	mu    sync.Mutex
}

// NewRegistry creates a Registry. dmScope defaults to "main" when empty.
func NewRegistry(store Store, dmScope string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if dmScope == "" {
		dmScope = "main"
	}
	return &Registry{
		store:   store,
		dmScope: dmScope,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]*Session),
	}
}

// GetOrCreate returns the session for the given params, creating it on first
// contact. Idempotent per tuple.
func (r *Registry) GetOrCreate(ctx context.Context, p Params) (*Session, error) {
	key, err := BuildKey(p)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.cache[key]; ok {
		return s, nil
	}

	s, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", key, err)
	}
	if s != nil {
		r.cache[key] = s
		return s, nil
	}

	now := r.now().UTC()
	s = &Session{
		Key:            key,
		AgentID:        p.AgentID,
		Channel:        p.Channel,
		AccountID:      p.AccountID,
		PeerKind:       p.PeerKind,
		PeerID:         p.PeerID,
		DMScope:        r.dmScope,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("create session %q: %w", key, err)
	}
	r.cache[key] = s
	r.logger.Info("session created", "key", key, "channel", p.Channel, "peer_kind", p.PeerKind)
	return s, nil
}

// LinkToUser attaches a resolved user and conversation to a session.
func (r *Registry) LinkToUser(ctx context.Context, key, userID, conversationID string) error {
	if err := r.store.Link(ctx, key, userID, conversationID); err != nil {
		return fmt.Errorf("link session %q: %w", key, err)
	}
	r.mu.Lock()
	if s, ok := r.cache[key]; ok {
		s.UserID = userID
		s.ConversationID = conversationID
	}
	r.mu.Unlock()
	return nil
}

// Touch updates the session's last activity timestamp.
func (r *Registry) Touch(ctx context.Context, key string) error {
	at := r.now().UTC()
	if err := r.store.Touch(ctx, key, at); err != nil {
		return fmt.Errorf("touch session %q: %w", key, err)
	}
	r.mu.Lock()
	if s, ok := r.cache[key]; ok {
		s.LastActivityAt = at
	}
	r.mu.Unlock()
	return nil
}

// List returns all persisted sessions, newest activity first.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	return r.store.List(ctx)
}
