package models

// ConversationKind distinguishes direct peer threads from group rooms.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ConversationRef identifies a conversation scope. Direct threads are
// materialized from the message log the moment the first message exists;
// rooms are provisioned explicitly and carry a meta record.
type ConversationRef struct {
	ID   string           `json:"id"`
	Kind ConversationKind `json:"kind"`
	// Channel selects the room keyspace; empty means the primary channel.
	// The fallback resolver retries a failed room op on the legacy channel.
	Channel string `json:"channel,omitempty"`
}

// DirectRef builds the canonical ref for a peer pair. The id is order
// independent so both participants resolve the same conversation.
func DirectRef(a, b string) ConversationRef {
	if b < a {
		a, b = b, a
	}
	return ConversationRef{ID: "d:" + a + ":" + b, Kind: KindDirect}
}

// RoomRef builds a ref for a provisioned group room.
func RoomRef(roomID string) ConversationRef {
	return ConversationRef{ID: "g:" + roomID, Kind: KindGroup}
}

// Room holds group-room metadata stored under the conversation meta key.
type Room struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Owner string `json:"owner,omitempty"`
	// Created/Updated timestamps (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// ConversationSummary is one row of a user's inbox directory.
type ConversationSummary struct {
	Conversation string           `json:"conversation"`
	Kind         ConversationKind `json:"kind"`
	// Peer is the other participant for direct threads, empty for rooms.
	Peer    string `json:"peer,omitempty"`
	Title   string `json:"title,omitempty"`
	Preview string `json:"preview"`
	// LastTS is the last-activity timestamp (ns)
	LastTS int64 `json:"last_ts"`
	// Unread counts messages addressed to the user; direct threads only.
	Unread int `json:"unread,omitempty"`
}

// Participant is owned by the profile collaborator and referenced by id.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}
