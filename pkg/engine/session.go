package engine

import (
	"chatrelay/pkg/feed"
)

// Attach opens the view's feed subscription. The subscription is owned by
// this view alone; callers unsubscribe when the conversation is deselected.
// A broker failure degrades the view to poll-less mode via the returned
// SubscriptionError instead of crashing the host.
func (v *View) Attach(b *feed.Broker) (*feed.Subscription, error) {
	sub, err := b.Subscribe(feed.ConversationScope(v.ref.ID), v.HandleEvent, nil)
	if err != nil {
		return nil, &SubscriptionError{Err: err}
	}
	return sub, nil
}
