package closer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu    sync.Mutex
	fires []string
	ch    chan string
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan string, 16)}
}

func (r *fireRecorder) handler(_ context.Context, conversationID, jobID string) error {
	r.mu.Lock()
	r.fires = append(r.fires, conversationID)
	r.mu.Unlock()
	r.ch <- jobID
	return nil
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *fireRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close to fire")
		return ""
	}
}

func startCloser(t *testing.T, storage Storage, rec *fireRecorder) *Closer {
	t.Helper()
	c := New(storage, rec.handler, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	storage := NewMemoryStorage()
	c := startCloser(t, storage, rec)

	jobID, err := c.Schedule(context.Background(), "conv-1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if fired := rec.wait(t); fired != jobID {
		t.Errorf("fired job = %q, want %q", fired, jobID)
	}

	// Fired job must be gone from storage once the handler returns.
	waitNoPending(t, storage)
}

// waitNoPending polls until storage holds no pending closes; the record is
// removed after the fire handler returns, not before.
func waitNoPending(t *testing.T, storage Storage) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := storage.LoadAll()
		if err != nil {
			t.Fatalf("LoadAll: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want 0", len(pending))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	c := startCloser(t, NewMemoryStorage(), rec)

	jobID, err := c.Schedule(context.Background(), "conv-1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := c.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("fires after cancel = %d, want 0", n)
	}
	if c.Armed() != 0 {
		t.Errorf("armed after cancel = %d, want 0", c.Armed())
	}
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	c := startCloser(t, NewMemoryStorage(), rec)

	jobID, err := c.Schedule(context.Background(), "conv-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rec.wait(t)

	if err := c.Cancel(context.Background(), jobID); err != nil {
		t.Errorf("Cancel after fire: %v", err)
	}
}

func TestCancelUnknownJobIsNoop(t *testing.T) {
	t.Parallel()
	c := startCloser(t, NewMemoryStorage(), newFireRecorder())
	if err := c.Cancel(context.Background(), "never-scheduled"); err != nil {
		t.Errorf("Cancel unknown: %v", err)
	}
}

func TestStartReloadsPersistedCloses(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()

	// Simulate a previous process that scheduled and then crashed: record
	// exists, no in-process timer. An overdue record fires immediately.
	if err := storage.Save(&PendingClose{
		JobID:          "job-overdue",
		ConversationID: "conv-old",
		FireAt:         time.Now().Add(-time.Minute),
		CreatedAt:      time.Now().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec := newFireRecorder()
	startCloser(t, storage, rec)

	if fired := rec.wait(t); fired != "job-overdue" {
		t.Errorf("fired job = %q, want job-overdue", fired)
	}
}

func TestFailedFireKeepsRecordForSweep(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()
	rec := newFireRecorder()

	// First fire fails (e.g. the user's lease was held); the record must
	// survive so the sweep can retry it.
	var mu sync.Mutex
	failuresLeft := 1
	attempts := make(chan struct{}, 4)
	handler := func(ctx context.Context, conversationID, jobID string) error {
		mu.Lock()
		fail := failuresLeft > 0
		if fail {
			failuresLeft--
		}
		mu.Unlock()
		if fail {
			attempts <- struct{}{}
			return errors.New("user busy")
		}
		return rec.handler(ctx, conversationID, jobID)
	}

	c := New(storage, handler, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	jobID, err := c.Schedule(context.Background(), "conv-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the failing fire")
	}

	pending, err := storage.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(pending) != 1 || pending[0].JobID != jobID {
		t.Fatalf("pending after failed fire = %+v, want the original record", pending)
	}

	// The sweep re-arms the orphaned record; the retry succeeds and only
	// then is the record removed.
	c.sweep()
	if fired := rec.wait(t); fired != jobID {
		t.Errorf("retried job = %q, want %q", fired, jobID)
	}
	waitNoPending(t, storage)
}

func TestScheduleManyIndependentTimers(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	c := startCloser(t, NewMemoryStorage(), rec)

	for i := 0; i < 5; i++ {
		if _, err := c.Schedule(context.Background(), "conv", 15*time.Millisecond); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		rec.wait(t)
	}
	if c.Armed() != 0 {
		t.Errorf("armed after all fired = %d, want 0", c.Armed())
	}
}
