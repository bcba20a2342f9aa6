// Package dispatch implements the worker pipeline that turns a dequeued job
// into a committed conversation transition and at most one outbound reply.
// Everything channel- or model-specific lives behind the collaborator
// interfaces here; the worker owns only ordering, idempotency, and failure
// routing.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/vborges/courier/pkg/courier/conversation"
	"github.com/vborges/courier/pkg/courier/queue"
)

// Verdict is the content classification of one inbound message.
type Verdict struct {
	// Offensive marks severely negative content that triggers the abuse
	// timeout path instead of normal processing.
	Offensive bool

	// Intent is an optional coarse label, kept on the conversation for
	// error reporting.
	Intent string
}

// ContentClassifier judges inbound text before any state is touched.
type ContentClassifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// IdentityResolver maps a channel-native identity to a stable user ID,
// creating the user on first contact.
type IdentityResolver interface {
	Resolve(ctx context.Context, provider queue.Provider, externalID string, payload queue.Payload) (string, error)
}

// GateDecision is the onboarding gate's verdict for one message.
type GateDecision struct {
	Allowed bool

	// Prompt is the policy message sent when Allowed is false.
	Prompt string
}

// OnboardingGate evaluates trial and signup policy before the agent runs.
type OnboardingGate interface {
	Check(ctx context.Context, userID string, interactionCount int) (GateDecision, error)
}

// AgentResult is the structured outcome of one agent invocation.
type AgentResult struct {
	// Reply is the text to send back, empty for silent outcomes.
	Reply string

	// NextState, when non-empty, directs a mid-flow transition.
	NextState conversation.State

	// Clarification marks the message ambiguous; the conversation moves to
	// awaiting_context carrying it.
	Clarification *conversation.PendingClarification

	// Done marks terminal success: the flow completed and the conversation
	// should enter its close grace period.
	Done bool

	// Intent is the classified intent for this turn.
	Intent string

	// ToolsUsed lists tool names, for logging only.
	ToolsUsed []string
}

// Agent is the orchestration collaborator that produces a reply and the
// next conversation step.
type Agent interface {
	Handle(ctx context.Context, conv *conversation.Conversation, job queue.Job) (*AgentResult, error)
}

// Sender delivers one reply through the originating channel.
type Sender interface {
	Send(ctx context.Context, provider queue.Provider, externalID, text string) error
}

// RetryableError marks a transient failure the queue should redeliver.
// Network-class send and collaborator failures wrap into it; everything
// else is treated as unrecoverable.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// KeywordClassifier is the built-in ContentClassifier: a case-insensitive
// keyword list. Real deployments replace it with a moderation service.
type KeywordClassifier struct {
	keywords []string
}

func NewKeywordClassifier(keywords []string) *KeywordClassifier {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &KeywordClassifier{keywords: lowered}
}

func (c *KeywordClassifier) Classify(_ context.Context, text string) (Verdict, error) {
	lowered := strings.ToLower(text)
	for _, k := range c.keywords {
		if strings.Contains(lowered, k) {
			return Verdict{Offensive: true}, nil
		}
	}
	return Verdict{}, nil
}

// AllowAllGate is the built-in OnboardingGate: every message passes.
type AllowAllGate struct{}

func (AllowAllGate) Check(context.Context, string, int) (GateDecision, error) {
	return GateDecision{Allowed: true}, nil
}

// StaticResolver derives the user ID from the identity pair itself. It
// stands in for the account-linking service in single-process deployments:
// every channel identity is its own user.
type StaticResolver struct{}

func (StaticResolver) Resolve(_ context.Context, provider queue.Provider, externalID string, _ queue.Payload) (string, error) {
	return string(provider) + ":" + externalID, nil
}

// EchoAgent is the built-in Agent: it acknowledges the message and
// completes the flow in one turn. Real deployments replace it with the
// orchestration service.
type EchoAgent struct{}

func NewEchoAgent() *EchoAgent { return &EchoAgent{} }

func (*EchoAgent) Handle(_ context.Context, _ *conversation.Conversation, job queue.Job) (*AgentResult, error) {
	text := job.Payload.Text
	if text == "" {
		text = job.Payload.CallbackData
	}
	return &AgentResult{
		Reply: "Got it: " + text,
		Done:  true,
	}, nil
}

// LogSender is the built-in Sender: it logs outbound replies instead of
// delivering them, standing in for the channel adapters.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, provider queue.Provider, externalID, text string) error {
	s.logger.Info("outbound reply",
		"provider", provider,
		"external_id", externalID,
		"text", text,
	)
	return nil
}
