// Package closer implements the delayed-close scheduler: one-shot "close
// this conversation after inactivity" timers that survive restarts and
// tolerate cancellation racing with firing. The scheduler itself makes no
// claim of being race-free; the consumer detects a fire that lost the race
// by comparing the conversation's recorded close job ID.
package closer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// FireHandler is called when a close timer fires. It receives the
// conversation and the firing job's ID; the handler is responsible for the
// stale-job guard.
type FireHandler func(ctx context.Context, conversationID, jobID string) error

// Closer schedules and cancels delayed-close jobs. Pending jobs are
// persisted; Start re-arms them and a cron sweep catches any whose
// in-process timer was lost.
type Closer struct {
	storage Storage
	handler FireHandler
	logger  *slog.Logger

	// armed maps job ID to the timer cancel channel.
	armed map[string]chan struct{}

	cron     *cron.Cron
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Closer with the given storage and fire handler.
func New(storage Storage, handler FireHandler, logger *slog.Logger) *Closer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Closer{
		storage: storage,
		handler: handler,
		logger:  logger,
		armed:   make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start loads persisted pending closes, arms their timers (overdue ones
// fire immediately), and starts the recovery sweep.
func (c *Closer) Start(ctx context.Context) error {
	pending, err := c.storage.LoadAll()
	if err != nil {
		return fmt.Errorf("load pending closes: %w", err)
	}
	for _, p := range pending {
		c.arm(p)
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc("@every 1m", c.sweep); err != nil {
		return fmt.Errorf("register close sweep: %w", err)
	}
	c.cron.Start()

	c.logger.Info("delayed-close scheduler started", "pending", len(pending))
	return nil
}

// Stop shuts down the scheduler. Armed timers are abandoned; the persisted
// records re-arm on the next Start.
func (c *Closer) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.stopOnce.Do(func() { close(c.done) })
	c.logger.Info("delayed-close scheduler stopped")
}

// Schedule registers a close for the conversation after delay and returns
// the close job ID the conversation must record for the stale-fire guard.
func (c *Closer) Schedule(ctx context.Context, conversationID string, delay time.Duration) (string, error) {
	p := &PendingClose{
		JobID:          uuid.NewString(),
		ConversationID: conversationID,
		FireAt:         time.Now().Add(delay).UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.storage.Save(p); err != nil {
		return "", fmt.Errorf("persist close %q: %w", p.JobID, err)
	}
	c.arm(p)
	c.logger.Debug("close scheduled",
		"job_id", p.JobID,
		"conversation_id", conversationID,
		"fires_at", p.FireAt.Format(time.RFC3339),
	)
	return p.JobID, nil
}

// Cancel removes a pending close. Canceling a job that already fired (or
// was never scheduled) is a no-op, not an error: the caller cannot know
// which side won the race, and the consumer's stale-job guard covers the
// other direction.
func (c *Closer) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	stop, ok := c.armed[jobID]
	if ok {
		delete(c.armed, jobID)
		close(stop)
	}
	c.mu.Unlock()

	if err := c.storage.Delete(jobID); err != nil {
		return fmt.Errorf("cancel close %q: %w", jobID, err)
	}
	if ok {
		c.logger.Debug("close cancelled", "job_id", jobID)
	}
	return nil
}

// arm starts the one-shot timer goroutine for a pending close. Overdue
// entries fire immediately.
func (c *Closer) arm(p *PendingClose) {
	stop := make(chan struct{})
	c.mu.Lock()
	if _, exists := c.armed[p.JobID]; exists {
		c.mu.Unlock()
		return
	}
	c.armed[p.JobID] = stop
	c.mu.Unlock()

	delay := time.Until(p.FireAt)
	if delay < 0 {
		delay = 0
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			c.fire(p)
		case <-stop:
		case <-c.done:
		}
	}()
}

// fire delivers one close event. The pending record is removed only after
// the handler returns cleanly; a failed handler leaves it for the sweep to
// re-arm and retry. A sweep racing a slow handler can double-fire, which
// the consumer's stale-job guard absorbs.
func (c *Closer) fire(p *PendingClose) {
	c.mu.Lock()
	if _, ok := c.armed[p.JobID]; !ok {
		// Cancelled between timer fire and lock acquisition.
		c.mu.Unlock()
		return
	}
	delete(c.armed, p.JobID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.handler(ctx, p.ConversationID, p.JobID); err != nil {
		c.logger.Error("close handler failed, sweep will retry",
			"job_id", p.JobID,
			"conversation_id", p.ConversationID,
			"error", err,
		)
		return
	}
	if err := c.storage.Delete(p.JobID); err != nil {
		c.logger.Error("failed to remove fired close", "job_id", p.JobID, "error", err)
	}
	c.logger.Info("close fired", "job_id", p.JobID, "conversation_id", p.ConversationID)
}

// sweep re-arms persisted closes that have no in-process timer. Covers
// timers lost to a crash between Save and arm, and records written by
// another process against the same database.
func (c *Closer) sweep() {
	pending, err := c.storage.LoadAll()
	if err != nil {
		c.logger.Error("close sweep failed", "error", err)
		return
	}

	rearmed := 0
	for _, p := range pending {
		c.mu.Lock()
		_, exists := c.armed[p.JobID]
		c.mu.Unlock()
		if !exists {
			c.arm(p)
			rearmed++
		}
	}
	if rearmed > 0 {
		c.logger.Info("close sweep re-armed timers", "count", rearmed)
	}
}

// Armed returns the number of in-process timers, for tests and health.
func (c *Closer) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.armed)
}
