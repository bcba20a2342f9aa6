package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// CommittedStore records idempotency keys whose pipeline run committed.
// A key present here means the job's externally-visible effects already
// happened; redeliveries are acked without side effects.
type CommittedStore interface {
	IsCommitted(ctx context.Context, key string) (bool, error)
	MarkCommitted(ctx context.Context, key string) error
}

// SQLiteCommittedStore keeps committed keys in the committed_jobs table.
type SQLiteCommittedStore struct {
	db *sql.DB
}

func NewSQLiteCommittedStore(db *sql.DB) *SQLiteCommittedStore {
	return &SQLiteCommittedStore{db: db}
}

func (s *SQLiteCommittedStore) IsCommitted(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM committed_jobs WHERE idempotency_key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check committed key: %w", err)
	}
	return true, nil
}

func (s *SQLiteCommittedStore) MarkCommitted(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO committed_jobs (idempotency_key, committed_at)
		VALUES (?, ?)`,
		key, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("mark key committed: %w", err)
	}
	return nil
}

// MemoryCommittedStore is an in-memory CommittedStore for tests.
type MemoryCommittedStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryCommittedStore() *MemoryCommittedStore {
	return &MemoryCommittedStore{keys: make(map[string]struct{})}
}

func (m *MemoryCommittedStore) IsCommitted(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *MemoryCommittedStore) MarkCommitted(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}
