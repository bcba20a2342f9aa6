package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore persists sessions in the shared courier.db "sessions" table.
// The table must already exist (created by database.Migrate).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed session store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the session for key, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, agent_id, channel, account_id, peer_kind, peer_id,
		       user_id, conversation_id, dm_scope, created_at, last_activity_at
		FROM sessions WHERE key = ?`, key)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", key, err)
	}
	return sess, nil
}

// Save inserts or updates a session.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(key, agent_id, channel, account_id, peer_kind, peer_id,
			 user_id, conversation_id, dm_scope, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Key,
		sess.AgentID,
		sess.Channel,
		sess.AccountID,
		string(sess.PeerKind),
		sess.PeerID,
		sess.UserID,
		sess.ConversationID,
		sess.DMScope,
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.LastActivityAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save session %q: %w", sess.Key, err)
	}
	return nil
}

// Link sets the user and conversation for a session.
func (s *SQLiteStore) Link(ctx context.Context, key, userID, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET user_id = ?, conversation_id = ? WHERE key = ?`,
		userID, conversationID, key)
	if err != nil {
		return fmt.Errorf("link session %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link session %q: not found", key)
	}
	return nil
}

// Touch updates last_activity_at without other mutation.
func (s *SQLiteStore) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ? WHERE key = ?`,
		at.UTC().Format(time.RFC3339), key)
	if err != nil {
		return fmt.Errorf("touch session %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch session %q: not found", key)
	}
	return nil
}

// List returns all sessions ordered by last activity, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, agent_id, channel, account_id, peer_kind, peer_id,
		       user_id, conversation_id, dm_scope, created_at, last_activity_at
		FROM sessions ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess      Session
		peerKind  string
		createdAt string
		lastAt    string
	)
	if err := row.Scan(
		&sess.Key, &sess.AgentID, &sess.Channel, &sess.AccountID,
		&peerKind, &sess.PeerID, &sess.UserID, &sess.ConversationID,
		&sess.DMScope, &createdAt, &lastAt,
	); err != nil {
		return nil, err
	}
	sess.PeerKind = PeerKind(peerKind)
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.LastActivityAt, _ = time.Parse(time.RFC3339, lastAt)
	return &sess, nil
}
