package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in-process. Used by tests and single-process
// deployments without Redis. Delivery semantics match RedisQueue:
// at-least-once, attempt budget, backoff redelivery, dead-letter list.
type MemoryQueue struct {
	ready      chan memEntry
	mu         sync.Mutex
	processing map[string]memEntry
	dead       []Job
	closed     bool
}

type memEntry struct {
	job      Job
	opts     Options
	failures int
	receipt  string
}

// NewMemoryQueue creates an in-memory queue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ready:      make(chan memEntry, capacity),
		processing: make(map[string]memEntry),
	}
}

// Enqueue appends a job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, opts Options) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts = DefaultOptions()
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	entry := memEntry{job: job, opts: opts, receipt: uuid.NewString()}
	select {
	case q.ready <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a job is available or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case entry := <-q.ready:
		q.mu.Lock()
		q.processing[entry.receipt] = entry
		q.mu.Unlock()
		return &Delivery{Job: entry.job, Options: entry.opts, PipelineFailures: entry.failures, receipt: entry.receipt}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack settles a delivery as processed.
func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[d.receipt]; !ok {
		return fmt.Errorf("ack: unknown delivery for job %q", d.Job.IdempotencyKey)
	}
	delete(q.processing, d.receipt)
	return nil
}

// Nack settles a failed delivery: redelivery after backoff while the budget
// lasts, dead-letter otherwise.
func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery, retryable bool) error {
	q.mu.Lock()
	entry, ok := q.processing[d.receipt]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("nack: unknown delivery for job %q", d.Job.IdempotencyKey)
	}
	delete(q.processing, d.receipt)

	entry.job.Attempt++
	entry.failures = d.PipelineFailures
	if !retryable || entry.job.Attempt >= entry.opts.MaxAttempts {
		// Newest first, matching RedisQueue's LPUSH order.
		q.dead = append([]Job{entry.job}, q.dead...)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	entry.receipt = uuid.NewString()
	delay := entry.opts.Backoff.Delay(entry.job.Attempt)
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ready <- entry:
		default:
			// Queue full after the backoff window; dead-letter instead of
			// blocking a timer goroutine forever.
			q.mu.Lock()
			q.dead = append([]Job{entry.job}, q.dead...)
			q.mu.Unlock()
		}
	})
	return nil
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]Job, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

// Close marks the queue closed. Pending timers stop re-enqueueing.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the number of jobs ready for delivery.
func (q *MemoryQueue) Len() int {
	return len(q.ready)
}
