package queue

import (
	"context"
	"testing"
	"time"
)

func testJob(key string) Job {
	return Job{
		IdempotencyKey: key,
		Provider:       ProviderTelegram,
		ExternalID:     "123",
		Payload:        Payload{Text: "salva inception"},
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestMemoryQueueEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(8)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("abc"), DefaultOptions()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.Job.IdempotencyKey != "abc" {
		t.Errorf("IdempotencyKey = %q, want %q", d.Job.IdempotencyKey, "abc")
	}
	if d.Job.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", d.Job.Attempt)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	// A second ack of the same delivery must fail.
	if err := q.Ack(ctx, d); err == nil {
		t.Errorf("second Ack() succeeded, want error")
	}
}

func TestMemoryQueueDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(8)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err != context.DeadlineExceeded {
		t.Errorf("Dequeue() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestMemoryQueueNackRedeliversWithBackoff(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(8)
	ctx := context.Background()
	opts := Options{
		MaxAttempts: 3,
		Backoff:     Backoff{Type: BackoffExponential, BaseDelay: 10 * time.Millisecond},
	}

	if err := q.Enqueue(ctx, testJob("retry-me"), opts); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := q.Nack(ctx, d, true); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	redeliverCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d2, err := q.Dequeue(redeliverCtx)
	if err != nil {
		t.Fatalf("Dequeue() after nack error = %v", err)
	}
	if d2.Job.IdempotencyKey != "retry-me" {
		t.Errorf("redelivered key = %q, want %q", d2.Job.IdempotencyKey, "retry-me")
	}
	if d2.Job.Attempt != 1 {
		t.Errorf("redelivered attempt = %d, want 1", d2.Job.Attempt)
	}
}

func TestMemoryQueuePipelineFailuresSurviveRedelivery(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(8)
	ctx := context.Background()
	opts := Options{
		MaxAttempts: 5,
		Backoff:     Backoff{Type: BackoffExponential, BaseDelay: 5 * time.Millisecond},
	}

	if err := q.Enqueue(ctx, testJob("pf"), opts); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.PipelineFailures != 0 {
		t.Errorf("PipelineFailures on first delivery = %d, want 0", d.PipelineFailures)
	}

	// The consumer bumps the count before nacking an unrecoverable outcome.
	d.PipelineFailures = 1
	if err := q.Nack(ctx, d, true); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	redeliverCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d2, err := q.Dequeue(redeliverCtx)
	if err != nil {
		t.Fatalf("Dequeue() after nack error = %v", err)
	}
	if d2.PipelineFailures != 1 {
		t.Errorf("redelivered PipelineFailures = %d, want 1", d2.PipelineFailures)
	}
}

func TestMemoryQueueDeadLetterAfterBudget(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(8)
	ctx := context.Background()
	opts := Options{
		MaxAttempts: 2,
		Backoff:     Backoff{Type: BackoffExponential, BaseDelay: 5 * time.Millisecond},
	}

	if err := q.Enqueue(ctx, testJob("doomed"), opts); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Attempt 1 fails retryably, attempt 2 exhausts the budget.
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := q.Nack(ctx, d, true); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	redeliverCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err = q.Dequeue(redeliverCtx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := q.Nack(ctx, d, true); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(dead) != 1 || dead[0].IdempotencyKey != "doomed" {
		t.Fatalf("DeadLetters() = %+v, want one job %q", dead, "doomed")
	}
	if dead[0].Attempt != 2 {
		t.Errorf("dead job attempt = %d, want 2", dead[0].Attempt)
	}
}

func TestMemoryQueueNonRetryableGoesStraightToDead(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(8)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("malformed"), DefaultOptions()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := q.Nack(ctx, d, false); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("len(dead) = %d, want 1", len(dead))
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (no redelivery)", q.Len())
	}
}
