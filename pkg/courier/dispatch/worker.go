package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vborges/courier/pkg/courier/conversation"
	"github.com/vborges/courier/pkg/courier/errcapture"
	"github.com/vborges/courier/pkg/courier/queue"
	"github.com/vborges/courier/pkg/courier/session"
	"github.com/vborges/courier/pkg/courier/timeout"
)

// CloseScheduler is the delayed-close capability the worker drives.
type CloseScheduler interface {
	Schedule(ctx context.Context, conversationID string, delay time.Duration) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// SessionRegistry is the slice of the session registry the worker touches.
type SessionRegistry interface {
	GetOrCreate(ctx context.Context, p session.Params) (*session.Session, error)
	LinkToUser(ctx context.Context, key, userID, conversationID string) error
	Touch(ctx context.Context, key string) error
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent dequeue loops.
	Workers int

	// CloseDelay is the inactivity grace period before a successful
	// conversation auto-closes.
	CloseDelay time.Duration

	// StageTimeout bounds each external collaborator call.
	StageTimeout time.Duration

	// LockTTL bounds the per-user lease; a crashed worker frees its user
	// after this long.
	LockTTL time.Duration

	// UnrecoverableAttempts caps redeliveries for pipeline errors,
	// separately from the queue's transient retry budget.
	UnrecoverableAttempts int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CloseDelay <= 0 {
		c.CloseDelay = 3 * time.Minute
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 15 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.UnrecoverableAttempts <= 0 {
		c.UnrecoverableAttempts = 2
	}
}

// Deps are the worker's collaborators and stores.
type Deps struct {
	Queue         queue.Queue
	Conversations conversation.Store
	Machine       *conversation.Machine
	Committed     CommittedStore
	Tracker       *timeout.Tracker
	Closer        CloseScheduler
	Sessions      SessionRegistry
	Classifier    ContentClassifier
	Resolver      IdentityResolver
	Gate          OnboardingGate
	Agent         Agent
	Sender        Sender
	Sink          errcapture.Sink
	Locker        Locker
	AgentID       string
	Logger        *slog.Logger
}

// Worker runs the dispatch pipeline over dequeued jobs.
type Worker struct {
	cfg   Config
	deps  Deps
	lanes *lanes
}

// New creates a Worker. All Deps except Sessions and Sink are required.
func New(cfg Config, deps Deps) *Worker {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Machine == nil {
		deps.Machine = conversation.NewMachine(deps.Logger)
	}
	return &Worker{cfg: cfg, deps: deps, lanes: newLanes()}
}

// apologyReply is the only user-visible text for unrecoverable failures.
const apologyReply = "Sorry, something went wrong on our side. Please try again in a moment."

// cancelReply acknowledges an explicitly cancelled clarification.
const cancelReply = "Okay, cancelled."

// abandonReply is sent when the third unusable reply in a row abandons a
// pending clarification.
const abandonReply = "Let's start over. Send your request again."

func timeoutReply(d time.Duration) string {
	return fmt.Sprintf("That message crossed the line. You are paused for %d minutes.", int(d.Minutes()))
}

func repromptReply(clar *conversation.PendingClarification) string {
	var b strings.Builder
	b.WriteString("Please pick one of the options:\n")
	for i, opt := range clar.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	b.WriteString(`Reply with the number, or "cancel".`)
	return b.String()
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight jobs settle.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	w.deps.Logger.Info("dispatch workers started", "workers", w.cfg.Workers)
	wg.Wait()
	w.deps.Logger.Info("dispatch workers stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		d, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.deps.Logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.Process(ctx, d)
	}
}

// Process runs one job through the pipeline and settles the delivery.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	log := w.deps.Logger.With(
		"idempotency_key", job.IdempotencyKey,
		"provider", job.Provider,
		"attempt", job.Attempt,
	)

	if err := job.Validate(); err != nil {
		log.Warn("malformed job dead-lettered", "error", err)
		w.settleNack(ctx, d, false, log)
		return
	}

	// Dedupe: a committed key means the effects already happened.
	committed, err := w.deps.Committed.IsCommitted(ctx, job.IdempotencyKey)
	if err != nil {
		log.Error("dedupe lookup failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	if committed {
		log.Info("duplicate delivery acked")
		w.settleAck(ctx, d, log)
		return
	}

	// Advisory pre-identity drop. The durable check below is authoritative.
	if w.deps.Tracker.CachedActive(job.ExternalID) {
		log.Info("dropped by cached abuse timeout", "external_id", job.ExternalID)
		w.settleAck(ctx, d, log)
		return
	}

	verdict, err := w.classify(ctx, job)
	if err != nil {
		log.Error("content classification failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}

	userID, err := w.resolve(ctx, job)
	if err != nil {
		log.Error("identity resolution failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	log = log.With("user_id", userID)

	active, err := w.deps.Tracker.CheckTimeout(ctx, userID)
	if err != nil {
		log.Error("timeout check failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	if active {
		log.Info("dropped by abuse timeout")
		w.settleAck(ctx, d, log)
		return
	}

	w.lanes.Do(userID, func() {
		w.processLocked(ctx, d, userID, verdict, log)
	})
}

// processLocked runs stages 5 onward while holding the in-process lane; it
// additionally takes the cross-process lease before touching conversation
// state.
func (w *Worker) processLocked(ctx context.Context, d *queue.Delivery, userID string, verdict Verdict, log *slog.Logger) {
	lease, err := w.deps.Locker.TryAcquire(ctx, "user:"+userID, w.cfg.LockTTL)
	if err != nil {
		log.Error("lock acquisition failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	if lease == nil {
		// Another worker holds this user; redeliver after backoff.
		log.Info("user busy elsewhere, redelivering")
		w.settleNack(ctx, d, true, log)
		return
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("lock release failed", "error", err)
		}
	}()

	job := d.Job

	if verdict.Offensive {
		w.punish(ctx, d, userID, log)
		return
	}

	sessKey := w.touchSession(ctx, job, log)

	conv, err := conversation.FindOrCreateActive(ctx, w.deps.Conversations, userID)
	if err != nil {
		log.Error("conversation acquisition failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	log = log.With("conversation_id", conv.ID)

	// Reactivation: cancel the pending close before the state moves, so a
	// fire racing past the cancel hits the stale-job guard. The transition
	// is persisted immediately: the cancel already deleted the close record,
	// and a gate block or crash below must not leave a stored row still
	// demanding that close.
	if conv.State == conversation.StateWaitingClose {
		if err := w.deps.Closer.Cancel(ctx, conv.CloseJobID); err != nil {
			log.Warn("close cancel failed", "close_job_id", conv.CloseJobID, "error", err)
		}
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{Kind: conversation.EventMessage}); err != nil {
			w.unrecoverable(ctx, d, conv, sessKey, err, log)
			return
		}
		if err := w.deps.Conversations.Update(ctx, conv); err != nil {
			log.Error("persisting reactivation failed, will retry", "error", err)
			w.settleNack(ctx, d, true, log)
			return
		}
	}

	// Error recovery: one inbound message resets to idle, then processes
	// normally from there. Persisted immediately for the same reason as the
	// reactivation above.
	if conv.State == conversation.StateError {
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{Kind: conversation.EventMessage}); err != nil {
			w.unrecoverable(ctx, d, conv, sessKey, err, log)
			return
		}
		if err := w.deps.Conversations.Update(ctx, conv); err != nil {
			log.Error("persisting error recovery failed, will retry", "error", err)
			w.settleNack(ctx, d, true, log)
			return
		}
	}

	blocked, err := w.gate(ctx, d, userID, conv, log)
	if err != nil {
		log.Error("onboarding gate failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	if blocked {
		return
	}

	// A reply to a pending clarification is interpreted here, not by the
	// agent: cancel and unusable replies are policy outcomes, and a chosen
	// option must be recorded before the agent sees the conversation.
	if conv.State == conversation.StateAwaitingContext && conv.Context.Clarification != nil {
		settled, err := w.clarify(ctx, d, userID, conv, sessKey, log)
		if err != nil {
			w.unrecoverable(ctx, d, conv, sessKey, err, log)
			return
		}
		if settled {
			return
		}
	}

	if conv.State == conversation.StateIdle {
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{Kind: conversation.EventMessage}); err != nil {
			w.unrecoverable(ctx, d, conv, sessKey, err, log)
			return
		}
	}

	result, err := w.invokeAgent(ctx, conv, job)
	if err != nil {
		if IsRetryable(err) {
			log.Warn("agent invocation failed, will retry", "error", err)
			w.settleNack(ctx, d, true, log)
			return
		}
		w.unrecoverable(ctx, d, conv, sessKey, err, log)
		return
	}

	if err := w.advance(ctx, conv, result); err != nil {
		w.unrecoverable(ctx, d, conv, sessKey, err, log)
		return
	}

	// Response dispatch. A transient failure redelivers the whole job; the
	// dedupe key makes the retried send a best-effort no-op. A crash
	// between this send and the commit below is the accepted
	// at-least-once window.
	if result.Reply != "" {
		if err := w.send(ctx, job, result.Reply); err != nil {
			if IsRetryable(err) {
				log.Warn("reply dispatch failed, will retry", "error", err)
				w.settleNack(ctx, d, true, log)
				return
			}
			w.unrecoverable(ctx, d, conv, sessKey, err, log)
			return
		}
	}

	if err := w.commit(ctx, d, userID, conv, sessKey, log); err != nil {
		log.Error("commit failed, will retry", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	log.Info("job committed", "state", conv.State, "tools", len(result.ToolsUsed))
}

// punish applies the escalating timeout for an offensive message and sends
// the deterministic policy notice. Conversation state is left untouched.
func (w *Worker) punish(ctx context.Context, d *queue.Delivery, userID string, log *slog.Logger) {
	job := d.Job
	dur, err := w.deps.Tracker.ApplyTimeout(ctx, userID, job.ExternalID)
	if err != nil {
		log.Error("applying abuse timeout failed", "error", err)
		w.settleNack(ctx, d, true, log)
		return
	}
	if err := w.send(ctx, job, timeoutReply(dur)); err != nil {
		// The timeout already stuck; a lost notice is not worth a
		// redelivery that would escalate the offense again.
		log.Warn("timeout notice dispatch failed", "error", err)
	}
	if err := w.deps.Committed.MarkCommitted(ctx, job.IdempotencyKey); err != nil {
		log.Error("marking offensive job committed failed", "error", err)
	}
	log.Info("abuse timeout applied", "minutes", int(dur.Minutes()))
	w.settleAck(ctx, d, log)
}

// gate runs the onboarding policy. A blocked outcome sends the policy
// prompt, records the attempt, and settles the job; it is not an error.
func (w *Worker) gate(ctx context.Context, d *queue.Delivery, userID string, conv *conversation.Conversation, log *slog.Logger) (bool, error) {
	count, err := w.deps.Conversations.InteractionCount(ctx, userID)
	if err != nil {
		return false, err
	}
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	decision, err := w.deps.Gate.Check(sctx, userID, count)
	cancel()
	if err != nil {
		return false, err
	}
	if decision.Allowed {
		return false, nil
	}

	if decision.Prompt != "" {
		if err := w.send(ctx, d.Job, decision.Prompt); err != nil {
			return false, err
		}
	}
	if _, err := w.deps.Conversations.IncrementInteractions(ctx, userID); err != nil {
		log.Error("recording blocked attempt failed", "error", err)
	}
	if err := w.deps.Committed.MarkCommitted(ctx, d.Job.IdempotencyKey); err != nil {
		log.Error("marking blocked job committed failed", "error", err)
	}
	log.Info("blocked by onboarding gate", "interactions", count)
	w.settleAck(ctx, d, log)
	return true, nil
}

// clarify folds an inbound reply into the pending clarification. A valid
// option index (1-based, as presented) advances to awaiting_confirmation
// and returns unsettled so the agent acts on the recorded selection; cancel
// and unusable replies settle the job here without invoking the agent.
func (w *Worker) clarify(ctx context.Context, d *queue.Delivery, userID string, conv *conversation.Conversation, sessKey string, log *slog.Logger) (bool, error) {
	clar := conv.Context.Clarification
	reply := strings.TrimSpace(d.Job.Payload.Text)
	if reply == "" {
		reply = strings.TrimSpace(d.Job.Payload.CallbackData)
	}

	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(clar.Options) {
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{
			Kind:        conversation.EventOptionSelected,
			OptionIndex: n - 1,
		}); err != nil {
			return false, fmt.Errorf("apply option selection: %w", err)
		}
		return false, nil
	}

	var notice string
	if strings.EqualFold(reply, "cancel") {
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{Kind: conversation.EventClarificationCancelled}); err != nil {
			return false, fmt.Errorf("apply clarification cancel: %w", err)
		}
		notice = cancelReply
	} else {
		// Out-of-range numbers and free text both count as unusable; the
		// attempt counter decides when to give up.
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{Kind: conversation.EventClarificationInvalid}); err != nil {
			return false, fmt.Errorf("apply invalid clarification reply: %w", err)
		}
		if conv.State == conversation.StateAwaitingContext {
			notice = repromptReply(clar)
		} else {
			notice = abandonReply
		}
	}

	if err := w.send(ctx, d.Job, notice); err != nil {
		if IsRetryable(err) {
			log.Warn("clarification notice dispatch failed, will retry", "error", err)
			w.settleNack(ctx, d, true, log)
			return true, nil
		}
		return false, err
	}
	if err := w.commit(ctx, d, userID, conv, sessKey, log); err != nil {
		log.Error("commit failed, will retry", "error", err)
		w.settleNack(ctx, d, true, log)
	}
	return true, nil
}

// advance folds an agent result into the conversation.
func (w *Worker) advance(ctx context.Context, conv *conversation.Conversation, result *AgentResult) error {
	if result.Intent != "" {
		conv.Context.LastIntent = result.Intent
	}

	switch {
	case result.Clarification != nil:
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{
			Kind:          conversation.EventAmbiguous,
			Clarification: result.Clarification,
		}); err != nil {
			return fmt.Errorf("apply ambiguous result: %w", err)
		}

	case result.Done:
		closeJobID, err := w.deps.Closer.Schedule(ctx, conv.ID, w.cfg.CloseDelay)
		if err != nil {
			return fmt.Errorf("schedule close: %w", err)
		}
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{
			Kind:       conversation.EventSuccess,
			CloseJobID: closeJobID,
			CloseAt:    time.Now().UTC().Add(w.cfg.CloseDelay),
		}); err != nil {
			return fmt.Errorf("apply success result: %w", err)
		}

	case result.NextState != "":
		if _, err := w.deps.Machine.Apply(conv, conversation.Event{
			Kind:   conversation.EventAgentState,
			Target: result.NextState,
		}); err != nil {
			return fmt.Errorf("apply agent state %q: %w", result.NextState, err)
		}
	}
	return nil
}

// commit persists the transition, marks the key, links the session, and
// acks. Ordering: state first, key second; a crash between the two
// redelivers into a committed-state no-op rather than a lost update.
func (w *Worker) commit(ctx context.Context, d *queue.Delivery, userID string, conv *conversation.Conversation, sessKey string, log *slog.Logger) error {
	if err := w.deps.Conversations.Update(ctx, conv); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}
	if _, err := w.deps.Conversations.IncrementInteractions(ctx, userID); err != nil {
		log.Error("interaction counter increment failed", "error", err)
	}
	if sessKey != "" && w.deps.Sessions != nil {
		if err := w.deps.Sessions.LinkToUser(ctx, sessKey, userID, conv.ID); err != nil {
			log.Warn("session link failed", "session_key", sessKey, "error", err)
		}
	}
	if err := w.deps.Committed.MarkCommitted(ctx, d.Job.IdempotencyKey); err != nil {
		return fmt.Errorf("mark committed: %w", err)
	}
	w.settleAck(ctx, d, log)
	return nil
}

// unrecoverable is stage 10: capture, transition to error, apologize once,
// and nack with the tight pipeline-error retry cap.
func (w *Worker) unrecoverable(ctx context.Context, d *queue.Delivery, conv *conversation.Conversation, sessKey string, cause error, log *slog.Logger) {
	log.Error("unrecoverable pipeline failure", "error", cause)

	if w.deps.Sink != nil {
		history := []errcapture.Turn{{
			Role:      "user",
			Content:   d.Job.Payload.Text,
			CreatedAt: d.Job.EnqueuedAt,
		}}
		report := errcapture.NewReport("pipeline", cause, sessKey, history, errcapture.Metadata{
			Provider:   string(d.Job.Provider),
			State:      string(conv.State),
			LastIntent: conv.Context.LastIntent,
			Attempt:    d.Job.Attempt,
		})
		w.deps.Sink.Capture(ctx, report)
	}

	if changed, err := w.deps.Machine.Apply(conv, conversation.Event{
		Kind:   conversation.EventFailure,
		Reason: cause.Error(),
	}); err == nil && changed {
		if err := w.deps.Conversations.Update(ctx, conv); err != nil {
			log.Error("persisting error state failed", "error", err)
		}
	}

	if err := w.send(ctx, d.Job, apologyReply); err != nil {
		log.Warn("apology dispatch failed", "error", err)
	}

	// Pipeline errors get a tighter budget than transient ones; the count
	// rides the delivery so transient retries do not consume it.
	d.PipelineFailures++
	retryable := d.PipelineFailures < w.cfg.UnrecoverableAttempts
	w.settleNack(ctx, d, retryable, log)
}

// HandleCloseFired is the delayed-close fire handler: it closes the
// conversation iff the firing job is still the one on record.
func (w *Worker) HandleCloseFired(ctx context.Context, conversationID, jobID string) error {
	conv, err := w.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %q: %w", conversationID, err)
	}
	if conv == nil {
		return nil
	}

	var applyErr error
	w.lanes.Do(conv.UserID, func() {
		lease, err := w.deps.Locker.TryAcquire(ctx, "user:"+conv.UserID, w.cfg.LockTTL)
		if err != nil {
			applyErr = err
			return
		}
		if lease == nil {
			// A pipeline run holds the user; it is either reactivating (the
			// guard will reject this job ID afterwards) or will leave state
			// for the recovery sweep.
			applyErr = fmt.Errorf("user %q busy, close %q dropped", conv.UserID, jobID)
			return
		}
		defer lease.Release(context.WithoutCancel(ctx))

		// Re-read under the lock; the pre-lock snapshot may be stale.
		conv, err = w.deps.Conversations.Get(ctx, conversationID)
		if err != nil || conv == nil {
			applyErr = err
			return
		}
		changed, err := w.deps.Machine.Apply(conv, conversation.Event{
			Kind:       conversation.EventCloseFired,
			CloseJobID: jobID,
		})
		if err != nil {
			applyErr = err
			return
		}
		if changed {
			applyErr = w.deps.Conversations.Update(ctx, conv)
		}
	})
	return applyErr
}

func (w *Worker) classify(ctx context.Context, job queue.Job) (Verdict, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()
	text := job.Payload.Text
	if text == "" {
		text = job.Payload.CallbackData
	}
	return w.deps.Classifier.Classify(sctx, text)
}

func (w *Worker) resolve(ctx context.Context, job queue.Job) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()
	return w.deps.Resolver.Resolve(sctx, job.Provider, job.ExternalID, job.Payload)
}

func (w *Worker) invokeAgent(ctx context.Context, conv *conversation.Conversation, job queue.Job) (*AgentResult, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()
	result, err := w.deps.Agent.Handle(sctx, conv, job)
	if err != nil {
		if sctx.Err() != nil {
			// Collaborator deadline overruns are transient, not fatal.
			return nil, Retryable(err)
		}
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("agent returned no result")
	}
	return result, nil
}

func (w *Worker) send(ctx context.Context, job queue.Job, text string) error {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()
	if err := w.deps.Sender.Send(sctx, job.Provider, job.ExternalID, text); err != nil {
		if sctx.Err() != nil {
			return Retryable(err)
		}
		return err
	}
	return nil
}

// touchSession registers activity on the job's session. Session upkeep is
// best-effort; it never fails the pipeline.
func (w *Worker) touchSession(ctx context.Context, job queue.Job, log *slog.Logger) string {
	if w.deps.Sessions == nil {
		return ""
	}
	sess, err := w.deps.Sessions.GetOrCreate(ctx, session.Params{
		AgentID:  w.deps.AgentID,
		Channel:  string(job.Provider),
		PeerKind: session.PeerDirect,
		PeerID:   job.ExternalID,
	})
	if err != nil {
		log.Warn("session upkeep failed", "error", err)
		return ""
	}
	if err := w.deps.Sessions.Touch(ctx, sess.Key); err != nil {
		log.Warn("session touch failed", "session_key", sess.Key, "error", err)
	}
	return sess.Key
}

func (w *Worker) settleAck(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	if err := w.deps.Queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		log.Error("ack failed", "error", err)
	}
}

func (w *Worker) settleNack(ctx context.Context, d *queue.Delivery, retryable bool, log *slog.Logger) {
	if err := w.deps.Queue.Nack(context.WithoutCancel(ctx), d, retryable); err != nil {
		log.Error("nack failed", "retryable", retryable, "error", err)
	}
}
