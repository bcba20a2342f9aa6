package timeout

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore persists timeout records in the shared courier.db
// "timeout_records" table. The table must already exist (created by
// database.Migrate). Timestamps are stored as unix seconds so MAX() in
// ExtendTimeout compares correctly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed timeout record store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the record for key, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec       Record
		until     int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, offense_count, timeout_until, updated_at
		FROM timeout_records WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.OffenseCount, &until, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timeout record %q: %w", key, err)
	}
	rec.TimeoutUntil = time.Unix(until, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// Increment atomically bumps the offense count and returns the new value.
func (s *SQLiteStore) Increment(ctx context.Context, key string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO timeout_records (key, offense_count, timeout_until, updated_at)
		VALUES (?, 1, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			offense_count = offense_count + 1,
			updated_at = excluded.updated_at
		RETURNING offense_count`,
		key, time.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment timeout record %q: %w", key, err)
	}
	return count, nil
}

// ExtendTimeout sets timeout_until unless the stored value is already later.
func (s *SQLiteStore) ExtendTimeout(ctx context.Context, key string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE timeout_records
		SET timeout_until = MAX(timeout_until, ?), updated_at = ?
		WHERE key = ?`,
		until.Unix(), time.Now().Unix(), key,
	)
	if err != nil {
		return fmt.Errorf("extend timeout record %q: %w", key, err)
	}
	return nil
}
