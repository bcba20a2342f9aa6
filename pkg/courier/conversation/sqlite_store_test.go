package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vborges/courier/pkg/courier/database"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "courier.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db)
}

func TestSQLiteFindOrCreateActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)

	conv, err := FindOrCreateActive(ctx, store, "user-1")
	if err != nil {
		t.Fatalf("FindOrCreateActive() error = %v", err)
	}
	if conv.State != StateIdle {
		t.Errorf("State = %q, want idle", conv.State)
	}

	again, err := FindOrCreateActive(ctx, store, "user-1")
	if err != nil {
		t.Fatalf("FindOrCreateActive() error = %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("second call created new conversation %q, want %q", again.ID, conv.ID)
	}

	// Closing frees the slot: the next call creates a fresh conversation.
	conv.State = StateClosed
	if err := store.Update(ctx, conv); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	fresh, err := FindOrCreateActive(ctx, store, "user-1")
	if err != nil {
		t.Fatalf("FindOrCreateActive() error = %v", err)
	}
	if fresh.ID == conv.ID {
		t.Error("closed conversation was reused")
	}
}

func TestSQLiteContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)

	conv, err := FindOrCreateActive(ctx, store, "user-2")
	if err != nil {
		t.Fatalf("FindOrCreateActive() error = %v", err)
	}

	conv.State = StateAwaitingContext
	conv.Context.Clarification = &PendingClarification{
		OriginalText:  "salva inception",
		CandidateType: "movie",
		Options:       []string{"Inception (2010)", "Inception: The Cobol Job (2010)"},
		Attempts:      1,
	}
	if err := store.Update(ctx, conv); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateAwaitingContext {
		t.Errorf("State = %q, want awaiting_context", got.State)
	}
	clar := got.Context.Clarification
	if clar == nil {
		t.Fatal("Clarification lost in round trip")
	}
	if clar.OriginalText != "salva inception" || len(clar.Options) != 2 || clar.Attempts != 1 {
		t.Errorf("Clarification = %+v", clar)
	}
}

func TestSQLiteCloseFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)

	conv, err := FindOrCreateActive(ctx, store, "user-3")
	if err != nil {
		t.Fatalf("FindOrCreateActive() error = %v", err)
	}

	closeAt := time.Now().Add(3 * time.Minute).UTC().Truncate(time.Second)
	conv.State = StateWaitingClose
	conv.CloseAt = &closeAt
	conv.CloseJobID = "close-42"
	if err := store.Update(ctx, conv); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CloseJobID != "close-42" {
		t.Errorf("CloseJobID = %q, want close-42", got.CloseJobID)
	}
	if got.CloseAt == nil || !got.CloseAt.Equal(closeAt) {
		t.Errorf("CloseAt = %v, want %v", got.CloseAt, closeAt)
	}

	// Clearing the close fields persists too.
	got.CloseAt = nil
	got.CloseJobID = ""
	got.State = StateIdle
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	cleared, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cleared.CloseAt != nil || cleared.CloseJobID != "" {
		t.Errorf("close fields not cleared: %v %q", cleared.CloseAt, cleared.CloseJobID)
	}
}

func TestSQLiteInteractionCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)

	if count, err := store.InteractionCount(ctx, "user-4"); err != nil || count != 0 {
		t.Fatalf("InteractionCount() = %d, %v; want 0, nil", count, err)
	}
	for want := 1; want <= 3; want++ {
		got, err := store.IncrementInteractions(ctx, "user-4")
		if err != nil {
			t.Fatalf("IncrementInteractions() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementInteractions() = %d, want %d", got, want)
		}
	}
}
