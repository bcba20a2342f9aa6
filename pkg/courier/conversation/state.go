package conversation

import (
	"fmt"
	"log/slog"
	"time"
)

// State is the conversation lifecycle state, persisted as a string.
type State string

const (
	StateIdle                      State = "idle"
	StateProcessing                State = "processing"
	StateAwaitingContext           State = "awaiting_context"
	StateOffTopicChat              State = "off_topic_chat"
	StateAwaitingConfirmation      State = "awaiting_confirmation"
	StateAwaitingFinalConfirmation State = "awaiting_final_confirmation"
	StateEnriching                 State = "enriching"
	StateSaving                    State = "saving"
	StateError                     State = "error"
	StateWaitingClose              State = "waiting_close"
	StateClosed                    State = "closed"
)

// States lists every state, for totality checks.
var States = []State{
	StateIdle, StateProcessing, StateAwaitingContext, StateOffTopicChat,
	StateAwaitingConfirmation, StateAwaitingFinalConfirmation,
	StateEnriching, StateSaving, StateError, StateWaitingClose, StateClosed,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool { return s == StateClosed }

// active states are the mid-flow states between idle and waiting_close.
func (s State) active() bool {
	switch s {
	case StateProcessing, StateAwaitingContext, StateOffTopicChat,
		StateAwaitingConfirmation, StateAwaitingFinalConfirmation,
		StateEnriching, StateSaving:
		return true
	}
	return false
}

// agentSettable states are the ones the agent collaborator may direct a
// conversation into mid-flow.
func (s State) agentSettable() bool {
	switch s {
	case StateProcessing, StateOffTopicChat, StateAwaitingConfirmation,
		StateAwaitingFinalConfirmation, StateEnriching, StateSaving:
		return true
	}
	return false
}

// EventKind names a state machine input.
type EventKind string

const (
	// EventMessage is a new inbound message for the conversation.
	EventMessage EventKind = "message"

	// EventAmbiguous marks the current message as ambiguous; the event
	// carries the pending clarification.
	EventAmbiguous EventKind = "ambiguous"

	// EventOptionSelected is a valid clarification reply.
	EventOptionSelected EventKind = "option_selected"

	// EventClarificationCancelled abandons a pending clarification
	// (explicit "cancel").
	EventClarificationCancelled EventKind = "clarification_cancelled"

	// EventClarificationInvalid is an unusable clarification reply; the
	// third one in a row abandons the clarification.
	EventClarificationInvalid EventKind = "clarification_invalid"

	// EventAgentState is an agent-directed mid-flow transition.
	EventAgentState EventKind = "agent_state"

	// EventSuccess is terminal success of the current flow; the event
	// carries the scheduled close job.
	EventSuccess EventKind = "success"

	// EventCloseFired is the delayed-close timer firing; the event carries
	// the firing job's ID for the stale guard.
	EventCloseFired EventKind = "close_fired"

	// EventFailure is an unrecoverable pipeline error.
	EventFailure EventKind = "failure"
)

// Event is one state machine input.
type Event struct {
	Kind EventKind

	// Clarification is required for EventAmbiguous.
	Clarification *PendingClarification

	// OptionIndex is required for EventOptionSelected.
	OptionIndex int

	// Target is required for EventAgentState.
	Target State

	// CloseJobID is required for EventSuccess and EventCloseFired.
	CloseJobID string

	// CloseAt is required for EventSuccess.
	CloseAt time.Time

	// Reason is stored in the context for EventFailure.
	Reason string
}

// maxClarificationAttempts is how many unusable replies a pending
// clarification tolerates before resetting to idle.
const maxClarificationAttempts = 3

// Machine applies transition rules to conversations. Every (state, event)
// pair not covered by a rule leaves the conversation unchanged; Apply then
// returns false.
type Machine struct {
	logger *slog.Logger
}

// NewMachine creates a Machine.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{logger: logger}
}

// Apply mutates conv according to the transition rules and reports whether a
// transition happened. It returns an error only for malformed events; an
// unlisted (state, event) pair is a silent no-op, never an error.
func (m *Machine) Apply(conv *Conversation, ev Event) (bool, error) {
	from := conv.State
	changed := false

	switch ev.Kind {
	case EventMessage:
		switch from {
		case StateIdle:
			m.transition(conv, StateProcessing)
			changed = true
		case StateError:
			// Recovery: the error state absorbs exactly one inbound message
			// and resets to idle; the caller re-applies the message from
			// there.
			m.transition(conv, StateIdle)
			changed = true
		case StateWaitingClose:
			// Reactivation. The caller cancels the scheduled close before
			// applying this event; clearing CloseJobID here invalidates any
			// fire that already raced past the cancel.
			conv.CloseAt = nil
			conv.CloseJobID = ""
			m.transition(conv, StateIdle)
			changed = true
		}

	case EventAmbiguous:
		if ev.Clarification == nil {
			return false, fmt.Errorf("ambiguous event without clarification")
		}
		if from == StateIdle || from.active() {
			conv.Context.Clarification = ev.Clarification
			conv.Context.Clarification.Attempts = 0
			m.transition(conv, StateAwaitingContext)
			changed = true
		}

	case EventOptionSelected:
		if from == StateAwaitingContext && conv.Context.Clarification != nil {
			clar := conv.Context.Clarification
			if ev.OptionIndex < 0 || ev.OptionIndex >= len(clar.Options) {
				return false, fmt.Errorf("option index %d out of range [0,%d)", ev.OptionIndex, len(clar.Options))
			}
			conv.Context.Selection = &Selection{
				OptionIndex: ev.OptionIndex,
				Option:      clar.Options[ev.OptionIndex],
			}
			conv.Context.Clarification = nil
			m.transition(conv, StateAwaitingConfirmation)
			changed = true
		}

	case EventClarificationCancelled:
		if from == StateAwaitingContext {
			conv.Context.Clarification = nil
			m.transition(conv, StateIdle)
			changed = true
		}

	case EventClarificationInvalid:
		if from == StateAwaitingContext && conv.Context.Clarification != nil {
			conv.Context.Clarification.Attempts++
			if conv.Context.Clarification.Attempts >= maxClarificationAttempts {
				conv.Context.Clarification = nil
				m.transition(conv, StateIdle)
			}
			// Staying in awaiting_context still counts as handled: the
			// attempt counter advanced.
			changed = true
		}

	case EventAgentState:
		if !ev.Target.agentSettable() {
			return false, fmt.Errorf("agent may not direct state %q", ev.Target)
		}
		if from.active() {
			if from != ev.Target {
				m.transition(conv, ev.Target)
			}
			changed = true
		}

	case EventSuccess:
		if ev.CloseJobID == "" {
			return false, fmt.Errorf("success event without close job id")
		}
		switch from {
		case StateProcessing, StateSaving, StateEnriching:
			closeAt := ev.CloseAt
			conv.CloseAt = &closeAt
			conv.CloseJobID = ev.CloseJobID
			conv.Context.Clarification = nil
			conv.Context.Selection = nil
			m.transition(conv, StateWaitingClose)
			changed = true
		}

	case EventCloseFired:
		if from == StateWaitingClose {
			if ev.CloseJobID == "" || ev.CloseJobID != conv.CloseJobID {
				// Stale fire: the conversation was reactivated (or a newer
				// close was scheduled) after this timer was armed.
				m.logger.Debug("ignoring stale close fire",
					"conversation_id", conv.ID,
					"fired_job_id", ev.CloseJobID,
					"current_job_id", conv.CloseJobID,
				)
				return false, nil
			}
			conv.CloseAt = nil
			conv.CloseJobID = ""
			m.transition(conv, StateClosed)
			changed = true
		}

	case EventFailure:
		if !from.Terminal() && from != StateError {
			conv.Context.LastError = ev.Reason
			conv.CloseAt = nil
			conv.CloseJobID = ""
			m.transition(conv, StateError)
			changed = true
		}

	default:
		return false, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	if changed && conv.State != from {
		m.logger.Info("conversation transitioned",
			"conversation_id", conv.ID,
			"from", from,
			"to", conv.State,
			"event", ev.Kind,
		)
	}
	return changed, nil
}

func (m *Machine) transition(conv *Conversation, to State) {
	conv.State = to
	conv.UpdatedAt = time.Now().UTC()
	if to != StateAwaitingContext {
		conv.Context.Clarification = nil
	}
	if to != StateError {
		conv.Context.LastError = ""
	}
	if to == StateIdle || to == StateClosed {
		conv.Context.Selection = nil
	}
}
