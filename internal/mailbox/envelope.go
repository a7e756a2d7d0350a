package mailbox

import (
	"encoding/json"
	"strings"
)

// Priority ranks. Rank 4 is reserved for the Captain override; within a
// rank delivery order is sequence-id ascending.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
	PriorityUrgent   = 4
)

// Payload is a tagged variant: the kind names the producer contract, the
// body is opaque to the mailbox layer and resolved by the consumer.
type Payload struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Envelope is immutable once appended. Delivery retries create new
// attempt records referencing the same ID; they never rewrite the payload.
type Envelope struct {
	ID           uint64  `json:"id"`
	SenderID     string  `json:"senderId"`
	RecipientID  string  `json:"recipientId"`
	Payload      Payload `json:"payload"`
	Priority     int     `json:"priority"`
	CreatedAt    string  `json:"createdAt,omitempty"`
	DeliveredAt  *string `json:"deliveredAt,omitempty"`
	AckedAt      *string `json:"ackedAt,omitempty"`
	AttemptCount int     `json:"attemptCount"`
}

// DeadLetter retains an envelope that exhausted delivery retries. It is
// addressable by the envelope's sequence id and kept alongside the
// mailbox it was destined for.
type DeadLetter struct {
	Envelope     Envelope `json:"envelope"`
	FailedAt     string   `json:"failedAt"`
	AttemptCount int      `json:"attemptCount"`
	LastError    string   `json:"lastError"`
}

func (e Envelope) acked() bool {
	return e.AckedAt != nil && *e.AckedAt != ""
}

func clampPriority(priority int) int {
	if priority < PriorityLow {
		return PriorityLow
	}
	if priority > PriorityUrgent {
		return PriorityUrgent
	}
	return priority
}

func normalizeAgentID(id string) string {
	return strings.TrimSpace(id)
}
