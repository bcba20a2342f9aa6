package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists conversations and per-user interaction counters.
type Store interface {
	// Get returns a conversation by ID, or nil when none exists.
	Get(ctx context.Context, id string) (*Conversation, error)

	// FindActive returns the most recent non-closed conversation for the
	// user, or nil when none exists.
	FindActive(ctx context.Context, userID string) (*Conversation, error)

	// Create inserts a new conversation.
	Create(ctx context.Context, conv *Conversation) error

	// Update persists state, context, and close fields.
	Update(ctx context.Context, conv *Conversation) error

	// IncrementInteractions atomically bumps the user's interaction counter
	// and returns the new value.
	IncrementInteractions(ctx context.Context, userID string) (int, error)

	// InteractionCount returns the user's interaction counter.
	InteractionCount(ctx context.Context, userID string) (int, error)
}

// FindOrCreateActive returns the user's active conversation, creating a
// fresh idle one when none exists. The caller must hold the per-user lock;
// the find/create pair is not atomic on its own.
func FindOrCreateActive(ctx context.Context, store Store, userID string) (*Conversation, error) {
	conv, err := store.FindActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active conversation for %q: %w", userID, err)
	}
	if conv != nil {
		return conv, nil
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation for %q: %w", userID, err)
	}
	return conv, nil
}
