package queue

import (
	"context"
	"fmt"
	"time"
)

// BackoffType names the redelivery backoff strategy.
type BackoffType string

// BackoffExponential doubles the delay on every attempt:
// baseDelay * 2^(attempt-1).
const BackoffExponential BackoffType = "exponential"

// Backoff describes the delay policy between redeliveries.
type Backoff struct {
	Type      BackoffType   `json:"type"`
	BaseDelay time.Duration `json:"baseDelayMs"`
}

// Delay returns the redelivery delay before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	if b.Type == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
		}
	}
	return d
}

// Options are the enqueue-time retry policy parameters for a job.
type Options struct {
	// MaxAttempts is the delivery budget. After it is exhausted the job
	// moves to the dead-letter path.
	MaxAttempts int `json:"maxAttempts"`

	// Backoff is the delay policy between redeliveries.
	Backoff Backoff `json:"backoff"`

	// RemoveOnComplete discards the job after a successful ack instead of
	// keeping a completion record.
	RemoveOnComplete bool `json:"removeOnComplete"`
}

// DefaultOptions is the retry policy used when the ingress passes none.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		Backoff:          Backoff{Type: BackoffExponential, BaseDelay: 2 * time.Second},
		RemoveOnComplete: true,
	}
}

// Delivery is one dequeued job awaiting ack or nack.
type Delivery struct {
	Job     Job
	Options Options

	// PipelineFailures counts unrecoverable pipeline outcomes for this job,
	// carried across redeliveries separately from Job.Attempt so transient
	// retries do not eat the pipeline-error budget. The consumer increments
	// it before nacking an unrecoverable failure.
	PipelineFailures int

	// receipt is the backend token needed to settle the delivery
	// (the raw list entry for Redis, an index for the memory queue).
	receipt string
}

// Receipt exposes the backend settlement token. Implementations set it on
// dequeue; callers treat it as opaque.
func (d *Delivery) Receipt() string { return d.receipt }

// Queue is the capability interface over the external durable queue.
// Contract: at-least-once delivery, configurable attempt budget, backoff
// between redeliveries, and a dead-letter path after exhaustion.
type Queue interface {
	// Enqueue appends a job. Safe to call concurrently.
	Enqueue(ctx context.Context, job Job, opts Options) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack settles a delivery as processed.
	Ack(ctx context.Context, d *Delivery) error

	// Nack settles a delivery as failed. When retryable is true and the
	// attempt budget is not exhausted, the job is redelivered after the
	// backoff delay; otherwise it is dead-lettered.
	Nack(ctx context.Context, d *Delivery, retryable bool) error

	// DeadLetters returns up to limit dead-lettered jobs, newest first.
	DeadLetters(ctx context.Context, limit int) ([]Job, error)
}

// Errors.
var (
	ErrClosed = fmt.Errorf("queue is closed")
)
