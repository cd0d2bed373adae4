// Package directory derives a user's active conversations from the message
// log: one summary per peer or room with a redacted preview and, for
// direct threads, an unread count. Read-only; callers re-list after every
// confirmed send/receive or read-state change.
package directory

import (
	"sort"

	"chatrelay/pkg/attach"
	"chatrelay/pkg/models"
	"chatrelay/pkg/profiles"
	"chatrelay/pkg/store"
)

type Directory struct {
	store    *store.Store
	profiles profiles.Resolver
}

// New builds a directory over the store; the resolver may be nil, in which
// case peer titles degrade to the unknown placeholder.
func New(s *store.Store, r profiles.Resolver) *Directory {
	return &Directory{store: s, profiles: r}
}

// List returns the user's conversation summaries sorted by most recent
// activity. Attachment markers in previews are redacted to a placeholder;
// the raw locator is never shown.
func (d *Directory) List(userID string) ([]models.ConversationSummary, error) {
	entries, err := d.store.UserIndex(userID)
	if err != nil {
		return nil, err
	}

	var peerIDs []string
	for _, e := range entries {
		if e.Kind == models.KindDirect && e.Peer != "" {
			peerIDs = append(peerIDs, e.Peer)
		}
	}
	resolved := map[string]models.Participant{}
	if d.profiles != nil && len(peerIDs) > 0 {
		if out, rerr := d.profiles.Resolve(peerIDs); rerr == nil {
			resolved = out
		}
	}

	out := make([]models.ConversationSummary, 0, len(entries))
	for _, e := range entries {
		s := models.ConversationSummary{
			Conversation: e.Conversation,
			Kind:         e.Kind,
			Peer:         e.Peer,
			Title:        e.Title,
			Preview:      attach.Redact(e.LastContent),
			LastTS:       e.LastTS,
		}
		if e.Kind == models.KindDirect {
			if p, ok := resolved[e.Peer]; ok && p.DisplayName != "" {
				s.Title = p.DisplayName
			} else {
				s.Title = profiles.UnknownDisplayName
			}
			if n, uerr := d.store.UnreadCount(e.Conversation, userID); uerr == nil {
				s.Unread = n
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTS > out[j].LastTS })
	return out, nil
}
