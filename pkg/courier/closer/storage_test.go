package closer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vborges/courier/pkg/courier/database"
)

func testSQLiteStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "courier.db")})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteStorage(db)
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	t.Parallel()
	s := testSQLiteStorage(t)

	now := time.Now().UTC().Truncate(time.Second)
	first := &PendingClose{JobID: "j1", ConversationID: "c1", FireAt: now.Add(time.Hour), CreatedAt: now}
	second := &PendingClose{JobID: "j2", ConversationID: "c2", FireAt: now.Add(time.Minute), CreatedAt: now}
	for _, p := range []*PendingClose{first, second} {
		if err := s.Save(p); err != nil {
			t.Fatalf("Save(%s): %v", p.JobID, err)
		}
	}

	got, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2", len(got))
	}
	// Ordered by fire time, soonest first.
	if got[0].JobID != "j2" || got[1].JobID != "j1" {
		t.Errorf("order = [%s %s], want [j2 j1]", got[0].JobID, got[1].JobID)
	}
	if !got[0].FireAt.Equal(second.FireAt) {
		t.Errorf("FireAt = %v, want %v", got[0].FireAt, second.FireAt)
	}

	if err := s.Delete("j1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "j2" {
		t.Errorf("after delete got %d records, want only j2", len(got))
	}

	// Deleting a missing record is fine.
	if err := s.Delete("j1"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}
