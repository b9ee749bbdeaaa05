package transport

import (
	"context"
	"time"
)

// Priority influences push ordering and strategy selection, not delivery
// guarantees.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// TargetKind tells the routing layer what sort of destination a message is
// aimed at.
type TargetKind string

const (
	TargetRecipient TargetKind = "recipient" // a single connected client
	TargetTopic     TargetKind = "topic"     // a pub/sub topic
	TargetAny       TargetKind = ""
)

// Message is the unit pushed through the engine.
//
// Kind doubles as the retry-policy category ("alert", "task-progress",
// "command-result", ...). Attributes carry small routing hints for
// content-based strategies; Payload is opaque to the engine.
type Message struct {
	ID         string
	Kind       string
	Subtype    string
	TargetKind TargetKind

	// Recipient is the explicit per-client destination, if any.
	Recipient string
	// Destination is the per-recipient queue/route name.
	Destination string
	// Topics are broadcast destinations derived by the caller.
	Topics []string

	Priority    Priority
	RequiresAck bool

	Attributes map[string]string
	Payload    []byte

	TTL       time.Duration
	CreatedAt time.Time
}

// Publisher is the broker-client boundary. The engine never assumes success
// beyond the returned boolean; retries, acks and failover live above it.
type Publisher interface {
	SendToRecipient(ctx context.Context, recipient, destination string, msg Message) bool
	SendToTopic(ctx context.Context, topic string, msg Message) bool
}
