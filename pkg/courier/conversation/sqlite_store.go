package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore persists conversations in the shared courier.db
// "conversations" and "user_stats" tables. The tables must already exist
// (created by database.Migrate). Context is stored as a JSON column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed conversation store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const conversationColumns = `id, user_id, state, context, close_at, close_job_id, created_at, updated_at`

// Get returns a conversation by ID, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", id, err)
	}
	return conv, nil
}

// FindActive returns the most recent non-closed conversation for the user.
func (s *SQLiteStore) FindActive(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? AND state != ?
		ORDER BY updated_at DESC LIMIT 1`,
		userID, string(StateClosed))
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active conversation for %q: %w", userID, err)
	}
	return conv, nil
}

// Create inserts a new conversation.
func (s *SQLiteStore) Create(ctx context.Context, conv *Conversation) error {
	contextJSON, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("marshal context for %q: %w", conv.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, user_id, state, context, close_at, close_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID,
		conv.UserID,
		string(conv.State),
		string(contextJSON),
		nullableTime(conv.CloseAt),
		conv.CloseJobID,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create conversation %q: %w", conv.ID, err)
	}
	return nil
}

// Update persists state, context, and close fields.
func (s *SQLiteStore) Update(ctx context.Context, conv *Conversation) error {
	contextJSON, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("marshal context for %q: %w", conv.ID, err)
	}
	conv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET state = ?, context = ?, close_at = ?, close_job_id = ?, updated_at = ?
		WHERE id = ?`,
		string(conv.State),
		string(contextJSON),
		nullableTime(conv.CloseAt),
		conv.CloseJobID,
		conv.UpdatedAt.Format(time.RFC3339),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation %q: %w", conv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update conversation %q: not found", conv.ID)
	}
	return nil
}

// IncrementInteractions atomically bumps the user's interaction counter.
func (s *SQLiteStore) IncrementInteractions(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_stats (user_id, interaction_count, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			interaction_count = interaction_count + 1,
			updated_at = excluded.updated_at
		RETURNING interaction_count`,
		userID, time.Now().UTC().Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment interactions for %q: %w", userID, err)
	}
	return count, nil
}

// InteractionCount returns the user's interaction counter.
func (s *SQLiteStore) InteractionCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT interaction_count FROM user_stats WHERE user_id = ?`, userID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("interaction count for %q: %w", userID, err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conv        Conversation
		state       string
		contextJSON string
		closeAt     sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(
		&conv.ID, &conv.UserID, &state, &contextJSON,
		&closeAt, &conv.CloseJobID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	conv.State = State(state)
	if err := json.Unmarshal([]byte(contextJSON), &conv.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if closeAt.Valid {
		t, err := time.Parse(time.RFC3339, closeAt.String)
		if err == nil {
			conv.CloseAt = &t
		}
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &conv, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
