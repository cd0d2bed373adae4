package models

import "strings"

// DeliveryState tracks a message's progress from local echo to durable record.
type DeliveryState string

const (
	// DeliveryPending is a locally-echoed message awaiting its feed confirmation.
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed is an authoritative record delivered by the feed.
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed marks a local echo whose durable write errored.
	DeliveryFailed DeliveryState = "failed"
	// DeliveryUnconfirmed marks a local echo whose confirmation never arrived
	// within the pending window. The record is kept for display, not deleted.
	DeliveryUnconfirmed DeliveryState = "unconfirmed"
)

// TempIDPrefix is reserved for client-session message ids. A confirmed id
// never carries this prefix, so temp ids cannot collide with server ids.
const TempIDPrefix = "temp-"

type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Sender       string `json:"sender"`
	Content      string `json:"content"`
	// TS is the creation timestamp (ns)
	TS int64 `json:"ts"`
	// Seq breaks ordering ties between messages sharing a nanosecond timestamp
	Seq uint64 `json:"seq,omitempty"`
	// CorrelationID is the client-generated id echoed back by the feed so
	// reconciliation can retire exactly one matching local echo.
	CorrelationID string        `json:"correlation_id,omitempty"`
	State         DeliveryState `json:"state"`
	Optimistic    bool          `json:"optimistic,omitempty"`
	Read          bool          `json:"read,omitempty"`
}

// IsTemp reports whether the message carries a client-session temp id.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}
