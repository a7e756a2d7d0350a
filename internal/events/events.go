// Package events carries the notification records emitted by the mailbox
// store and the response tracker so that observers (the websocket stream,
// log sinks) do not need to poll.
package events

import "time"

const (
	TypeMessageDelivered    = "message.delivered"
	TypeMessageAcked        = "message.acked"
	TypeMessageDeadLettered = "message.dead_lettered"
	TypeMessageReplayed     = "message.replayed"
	TypeResponseQueued      = "response.queued"
	TypeResponseProcessing  = "response.processing"
	TypeResponseCompleted   = "response.completed"
	TypeResponseFailed      = "response.failed"
	TypeResponseStale       = "response.stale"
)

type Event struct {
	Type       string `json:"type"`
	Recipient  string `json:"recipient,omitempty"`
	EnvelopeID uint64 `json:"envelopeId,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Sink receives events. Implementations must not block; slow consumers
// are expected to drop.
type Sink func(Event)

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
