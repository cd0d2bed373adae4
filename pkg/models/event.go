package models

// EventKind distinguishes feed event types.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// Event is one change-feed notification. The feed emits exactly one insert
// event per durable append, delivered at-least-once; duplicate delivery is
// tolerated downstream, never assumed away.
type Event struct {
	Kind EventKind `json:"kind"`
	// Participants is the set of users the event is visible to; used by
	// user-global subscriptions.
	Participants []string `json:"participants,omitempty"`
	Message      Message  `json:"message"`
}
