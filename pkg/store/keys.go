package store

import (
	"fmt"
	"strings"

	"chatrelay/pkg/models"
)

// Key layout, all prefix-iterable:
//
//	conv:<channel?>:<convID>:msg:<%020d ts>-<%06d seq>  message record
//	conv:<channel?>:<convID>:meta                       room metadata
//	conv:<channel?>:<convID>:member:<userID>            room membership
//	idx:user:<userID>:conv:<convID>                     directory index entry
//	unread:<convID>:<userID>                            unread counter
//
// The channel segment is only present for room refs addressed through a
// named keyspace; the fallback resolver retries the legacy channel by
// swapping this segment.

func convPrefix(ref models.ConversationRef) string {
	if ref.Channel != "" {
		return "conv:" + ref.Channel + ":" + ref.ID
	}
	return "conv:" + ref.ID
}

func msgKey(ref models.ConversationRef, ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:msg:%020d-%06d", convPrefix(ref), ts, seq))
}

func msgPrefix(ref models.ConversationRef) []byte {
	return []byte(convPrefix(ref) + ":msg:")
}

func metaKey(ref models.ConversationRef) []byte {
	return []byte(convPrefix(ref) + ":meta")
}

func memberKey(ref models.ConversationRef, userID string) []byte {
	return []byte(convPrefix(ref) + ":member:" + userID)
}

func memberPrefix(ref models.ConversationRef) []byte {
	return []byte(convPrefix(ref) + ":member:")
}

func userIndexKey(userID, convID string) []byte {
	return []byte("idx:user:" + userID + ":conv:" + convID)
}

func userIndexPrefix(userID string) []byte {
	return []byte("idx:user:" + userID + ":conv:")
}

func unreadKey(convID, userID string) []byte {
	return []byte("unread:" + convID + ":" + userID)
}

// directParticipants extracts both peer ids from a direct conversation id
// of the form "d:<a>:<b>".
func directParticipants(convID string) (string, string, bool) {
	if !strings.HasPrefix(convID, "d:") {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(convID, "d:"), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
