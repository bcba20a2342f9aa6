// Package queue defines the job contract between the ingress normalizers and
// the dispatch workers, and the client interface to the durable queue that
// carries those jobs. The queue itself is external (Redis in production, an
// in-memory implementation for tests); this package owns the schema and the
// retry policy, not the delivery mechanics.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the chat platform a job originated from.
type Provider string

const (
	ProviderTelegram Provider = "telegram"
	ProviderWhatsApp Provider = "whatsapp"
	ProviderDiscord  Provider = "discord"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderTelegram, ProviderWhatsApp, ProviderDiscord:
		return true
	}
	return false
}

// Payload carries the normalized content of an inbound event.
type Payload struct {
	// Text is the message text as typed by the sender.
	Text string `json:"text"`

	// CallbackData is set for button/callback events instead of Text.
	CallbackData string `json:"callbackData,omitempty"`

	// SenderName is the sender display name, when the platform exposes it.
	SenderName string `json:"senderName,omitempty"`

	// PhoneNumber is the sender phone number (WhatsApp).
	PhoneNumber string `json:"phoneNumber,omitempty"`

	// Metadata holds additional channel-specific fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Job is one inbound event to be processed by a dispatch worker.
// Redelivery with the same IdempotencyKey must not duplicate
// externally-visible effects; the worker guarantees that, not the queue.
type Job struct {
	// IdempotencyKey uniquely identifies the logical inbound event.
	// Derived from the channel-native message ID, or synthesized for
	// callback events that have none.
	IdempotencyKey string `json:"idempotencyKey"`

	// Provider is the source platform.
	Provider Provider `json:"provider"`

	// ExternalID is the sender identifier on that platform.
	ExternalID string `json:"externalId"`

	// Payload is the normalized event content.
	Payload Payload `json:"payload"`

	// EnqueuedAt is when the ingress normalizer created the job.
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// Attempt is the delivery attempt count, starting at 0. Incremented by
	// the queue client on each redelivery.
	Attempt int `json:"attempt"`
}

// NewJob builds a Job for an inbound platform message. messageID is the
// channel-native message identifier; when empty (callback events), a UUID is
// synthesized so the idempotency key is still unique per logical event.
func NewJob(provider Provider, externalID, messageID string, payload Payload) Job {
	key := messageID
	if key == "" {
		key = uuid.NewString()
	} else {
		key = fmt.Sprintf("%s:%s", provider, messageID)
	}
	return Job{
		IdempotencyKey: key,
		Provider:       provider,
		ExternalID:     externalID,
		Payload:        payload,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// Validate checks the job for structural problems. Jobs failing validation
// are dead-lettered without retry.
func (j Job) Validate() error {
	if j.IdempotencyKey == "" {
		return fmt.Errorf("job missing idempotency key")
	}
	if !j.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", j.Provider)
	}
	if j.ExternalID == "" {
		return fmt.Errorf("job missing external id")
	}
	if j.Payload.Text == "" && j.Payload.CallbackData == "" {
		return fmt.Errorf("job has neither text nor callback data")
	}
	return nil
}
