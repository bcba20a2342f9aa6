package errcapture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink receives error reports. Capture must never fail the dispatch that
// produced the error; implementations log and swallow their own failures.
type Sink interface {
	Capture(ctx context.Context, r *Report)
}

// SQLiteSink appends reports to the error_reports table.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteSink(db *sql.DB, logger *slog.Logger) *SQLiteSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSink{db: db, logger: logger}
}

func (s *SQLiteSink) Capture(ctx context.Context, r *Report) {
	history, err := json.Marshal(r.History)
	if err != nil {
		history = []byte("[]")
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		meta = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_reports (id, error_type, error_message, error_stack, history, metadata, session_id_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ErrorType, r.ErrorMessage, r.ErrorStack,
		string(history), string(meta), r.SessionIDHash,
		r.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		// Persisting the report failed; the report itself is the fallback log line.
		s.logger.Error("failed to persist error report",
			"report_id", r.ID,
			"error_type", r.ErrorType,
			"error", err,
		)
		return
	}
	s.logger.Warn("error report captured",
		"report_id", r.ID,
		"error_type", r.ErrorType,
		"state", r.Metadata.State,
	)
}

// Recent returns the newest reports, for the inspection command.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_type, error_message, error_stack, history, metadata, session_id_hash, created_at
		FROM error_reports
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query error reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r := &Report{}
		var history, meta, createdAt string
		if err := rows.Scan(&r.ID, &r.ErrorType, &r.ErrorMessage, &r.ErrorStack, &history, &meta, &r.SessionIDHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error report: %w", err)
		}
		_ = json.Unmarshal([]byte(history), &r.History)
		_ = json.Unmarshal([]byte(meta), &r.Metadata)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MemorySink collects reports in memory, for tests.
type MemorySink struct {
	mu      sync.Mutex
	reports []*Report
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Capture(_ context.Context, r *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
}

func (m *MemorySink) Reports() []*Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Report, len(m.reports))
	copy(out, m.reports)
	return out
}
