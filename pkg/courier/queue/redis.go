package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key suffixes under the configured prefix.
const (
	keyPending    = "pending"    // LIST: jobs ready for delivery
	keyProcessing = "processing" // LIST: jobs handed to a worker, not yet settled
	keyDelayed    = "delayed"    // ZSET: jobs waiting out a backoff window, scored by fire time
	keyDead       = "dead"       // LIST: jobs that exhausted their budget
)

// envelope is the wire form of one queued job: the job plus its retry policy,
// so redeliveries keep the policy the ingress chose at enqueue time.
type envelope struct {
	Job     Job     `json:"job"`
	Options Options `json:"options"`

	// PipelineFailures rides outside the Job so the inbound event schema
	// stays fixed while the failure count survives redelivery.
	PipelineFailures int `json:"pipelineFailures,omitempty"`
}

// RedisQueue implements Queue on top of a Redis list pair plus a delayed
// ZSET. Dequeue uses BLMOVE pending->processing so a crashed worker leaves
// its job visible in the processing list instead of losing it.
type RedisQueue struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisQueue creates a Redis-backed queue. prefix namespaces all keys
// (e.g. "courier:q").
func NewRedisQueue(client *redis.Client, prefix string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "courier:q"
	}
	return &RedisQueue{client: client, prefix: prefix, logger: logger}
}

func (q *RedisQueue) key(suffix string) string {
	return q.prefix + ":" + suffix
}

// Enqueue appends a job to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts Options) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts = DefaultOptions()
	}
	raw, err := json.Marshal(envelope{Job: job, Options: opts})
	if err != nil {
		return fmt.Errorf("marshal job %q: %w", job.IdempotencyKey, err)
	}
	if err := q.client.LPush(ctx, q.key(keyPending), raw).Err(); err != nil {
		return fmt.Errorf("enqueue job %q: %w", job.IdempotencyKey, err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done. The returned
// delivery must be settled with Ack or Nack.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.BLMove(ctx, q.key(keyPending), q.key(keyProcessing), "RIGHT", "LEFT", time.Second).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Unparseable entry: dead-letter it rather than looping on it.
			q.logger.Error("dropping unparseable queue entry", "error", err)
			q.client.LRem(ctx, q.key(keyProcessing), 1, raw)
			q.client.LPush(ctx, q.key(keyDead), raw)
			continue
		}
		return &Delivery{Job: env.Job, Options: env.Options, PipelineFailures: env.PipelineFailures, receipt: raw}, nil
	}
}

// Ack removes a settled delivery from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.key(keyProcessing), 1, d.receipt).Err(); err != nil {
		return fmt.Errorf("ack job %q: %w", d.Job.IdempotencyKey, err)
	}
	return nil
}

// Nack settles a failed delivery: redelivery after backoff while the budget
// lasts, dead-letter otherwise.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, retryable bool) error {
	if err := q.client.LRem(ctx, q.key(keyProcessing), 1, d.receipt).Err(); err != nil {
		return fmt.Errorf("nack job %q: %w", d.Job.IdempotencyKey, err)
	}

	job := d.Job
	job.Attempt++

	if !retryable || job.Attempt >= d.Options.MaxAttempts {
		raw, err := json.Marshal(envelope{Job: job, Options: d.Options, PipelineFailures: d.PipelineFailures})
		if err != nil {
			return fmt.Errorf("marshal dead job %q: %w", job.IdempotencyKey, err)
		}
		if err := q.client.LPush(ctx, q.key(keyDead), raw).Err(); err != nil {
			return fmt.Errorf("dead-letter job %q: %w", job.IdempotencyKey, err)
		}
		q.logger.Warn("job dead-lettered",
			"idempotency_key", job.IdempotencyKey,
			"attempt", job.Attempt,
			"retryable", retryable,
		)
		return nil
	}

	raw, err := json.Marshal(envelope{Job: job, Options: d.Options, PipelineFailures: d.PipelineFailures})
	if err != nil {
		return fmt.Errorf("marshal retry job %q: %w", job.IdempotencyKey, err)
	}
	fireAt := time.Now().Add(d.Options.Backoff.Delay(job.Attempt))
	if err := q.client.ZAdd(ctx, q.key(keyDelayed), redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry for job %q: %w", job.IdempotencyKey, err)
	}
	q.logger.Info("job scheduled for retry",
		"idempotency_key", job.IdempotencyKey,
		"attempt", job.Attempt,
		"fires_at", fireAt.Format(time.RFC3339),
	)
	return nil
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, q.key(keyDead), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		jobs = append(jobs, env.Job)
	}
	return jobs, nil
}

// Run promotes delayed jobs whose backoff window has elapsed back onto the
// pending list. Blocks until ctx is cancelled; run it once per process.
func (q *RedisQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("failed to promote delayed jobs", "error", err)
			}
		}
	}
}

// promoteDue moves due entries from the delayed ZSET to the pending list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.key(keyDelayed), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		// ZRem returning 0 means another promoter won the race; skip.
		removed, err := q.client.ZRem(ctx, q.key(keyDelayed), raw).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key(keyPending), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}
