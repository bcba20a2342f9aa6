// Package errcapture builds and persists structured error reports for
// failed message dispatches. Reports are append-only and carry a bounded,
// redacted slice of the conversation history for later inspection.
package errcapture

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// historyLimit bounds how many recent turns a report carries.
const historyLimit = 10

// Turn is one redacted conversation message attached to a report.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Metadata carries the dispatch context the error occurred in.
type Metadata struct {
	Provider   string `json:"provider,omitempty"`
	State      string `json:"state,omitempty"`
	LastIntent string `json:"lastIntent,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
}

// Report is a single captured error.
type Report struct {
	ID            string    `json:"id"`
	ErrorType     string    `json:"errorType"`
	ErrorMessage  string    `json:"errorMessage"`
	ErrorStack    string    `json:"errorStack,omitempty"`
	History       []Turn    `json:"history,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	SessionIDHash string    `json:"sessionIdHash,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewReport assembles a report from an error and its context. The history
// is truncated to the most recent turns and redacted; the session key is
// stored only as a hash so reports never carry a raw peer identifier.
func NewReport(errType string, err error, sessionKey string, history []Turn, meta Metadata) *Report {
	r := &Report{
		ID:           uuid.NewString(),
		ErrorType:    errType,
		ErrorMessage: Redact(err.Error()),
		ErrorStack:   captureStack(),
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	}
	if sessionKey != "" {
		r.SessionIDHash = HashSessionKey(sessionKey)
	}
	if n := len(history); n > historyLimit {
		history = history[n-historyLimit:]
	}
	for _, t := range history {
		r.History = append(r.History, Turn{
			Role:      t.Role,
			Content:   Redact(t.Content),
			CreatedAt: t.CreatedAt,
		})
	}
	return r
}

// HashSessionKey returns a short stable digest of a session key.
func HashSessionKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// Redact masks email addresses and phone-like digit runs in free text.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]")
	s = phonePattern.ReplaceAllString(s, "[phone]")
	return s
}

func captureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
