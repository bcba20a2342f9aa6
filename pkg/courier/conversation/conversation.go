// Package conversation owns the per-user conversation record and the state
// machine that governs its transitions. Conversations are mutated only
// through Machine.Apply; channel adapters and collaborators never write
// state directly.
package conversation

import (
	"time"
)

// Conversation is one active or closed conversation for a user. A user has
// at most one non-closed conversation at a time, enforced by
// Store.FindActive + Create under the dispatcher's per-user lock.
type Conversation struct {
	ID     string
	UserID string
	State  State

	// Context carries the per-state payload; see the field docs for which
	// state owns which branch.
	Context Context

	// CloseAt and CloseJobID are set while State == StateWaitingClose and
	// cleared on any other transition. CloseJobID is the stale-fire guard:
	// a close event naming a different job ID is ignored.
	CloseAt    *time.Time
	CloseJobID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Context is the per-state conversation payload. Each branch belongs to
// exactly one state family; Machine.Apply clears branches the new state
// does not own instead of trusting callers to.
type Context struct {
	// Clarification is present only in StateAwaitingContext.
	Clarification *PendingClarification `json:"clarification,omitempty"`

	// Selection is present from StateAwaitingConfirmation until the flow
	// completes or resets.
	Selection *Selection `json:"selection,omitempty"`

	// LastIntent is the last classified intent, kept across states for
	// error reporting.
	LastIntent string `json:"lastIntent,omitempty"`

	// LastError is present only in StateError.
	LastError string `json:"lastError,omitempty"`
}

// PendingClarification records an ambiguous message awaiting the user's
// choice among numbered options.
type PendingClarification struct {
	// OriginalText is the message that was judged ambiguous.
	OriginalText string `json:"originalText"`

	// CandidateType is the content type the options belong to.
	CandidateType string `json:"candidateType"`

	// Options are the numbered choices presented to the user (1-based in
	// user-facing text, 0-based here).
	Options []string `json:"options"`

	// Attempts counts invalid replies; the third one abandons the
	// clarification.
	Attempts int `json:"attempts"`
}

// Selection is the user's resolved choice from a clarification.
type Selection struct {
	OptionIndex int    `json:"optionIndex"`
	Option      string `json:"option"`
}

// Snapshot is a read-only view of the recent exchange, consumed by the
// error capture sink.
type Snapshot struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
