package closer

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PendingClose is a persisted delayed-close record.
type PendingClose struct {
	JobID          string
	ConversationID string
	FireAt         time.Time
	CreatedAt      time.Time
}

// Storage persists pending closes across restarts.
type Storage interface {
	Save(p *PendingClose) error
	Delete(jobID string) error
	LoadAll() ([]*PendingClose, error)
}

// SQLiteStorage keeps pending closes in the pending_closes table.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage wraps an open database. The schema must already be
// migrated.
func NewSQLiteStorage(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) Save(p *PendingClose) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO pending_closes (job_id, conversation_id, fire_at, created_at)
		VALUES (?, ?, ?, ?)`,
		p.JobID, p.ConversationID,
		p.FireAt.UTC().Format(time.RFC3339),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save pending close: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(jobID string) error {
	if _, err := s.db.Exec(`DELETE FROM pending_closes WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete pending close: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LoadAll() ([]*PendingClose, error) {
	rows, err := s.db.Query(`
		SELECT job_id, conversation_id, fire_at, created_at
		FROM pending_closes
		ORDER BY fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load pending closes: %w", err)
	}
	defer rows.Close()

	var out []*PendingClose
	for rows.Next() {
		p := &PendingClose{}
		var fireAt, createdAt string
		if err := rows.Scan(&p.JobID, &p.ConversationID, &fireAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending close: %w", err)
		}
		p.FireAt, _ = time.Parse(time.RFC3339, fireAt)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MemoryStorage is an in-memory Storage for tests and ephemeral runs.
type MemoryStorage struct {
	mu      sync.Mutex
	pending map[string]*PendingClose
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{pending: make(map[string]*PendingClose)}
}

func (m *MemoryStorage) Save(p *PendingClose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pending[p.JobID] = &cp
	return nil
}

func (m *MemoryStorage) Delete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, jobID)
	return nil
}

func (m *MemoryStorage) LoadAll() ([]*PendingClose, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PendingClose, 0, len(m.pending))
	for _, p := range m.pending {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}
