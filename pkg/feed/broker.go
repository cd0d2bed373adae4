// Package feed is the push-based change feed: a broker fans one event per
// durable append out to scoped subscriptions, and a subscription manager
// tracks each subscription's lifecycle.
package feed

import (
	"errors"
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/telemetry"
)

// Scope selects which events a subscription sees: every insert in one
// conversation, or every insert visible to one user across conversations.
type Scope struct {
	Conversation string
	User         string
}

// ConversationScope subscribes to a single conversation's feed.
func ConversationScope(convID string) Scope { return Scope{Conversation: convID} }

// UserScope subscribes to everything the user participates in; the inbox
// holds one of these for the whole session.
func UserScope(userID string) Scope { return Scope{User: userID} }

// Matches reports whether an event is visible to the scope. The sender's
// own subscription matches too: self-notification is expected and must be
// filtered downstream, not suppressed here.
func (s Scope) Matches(ev models.Event) bool {
	if s.Conversation != "" {
		return ev.Message.Conversation == s.Conversation
	}
	if s.User != "" {
		for _, p := range ev.Participants {
			if p == s.User {
				return true
			}
		}
	}
	return false
}

var errBrokerClosed = errors.New("feed broker closed")

// Broker routes events from the store's notify hook to subscriptions.
// Each subscription gets a buffered channel drained by its own dispatch
// goroutine, so a slow handler never blocks the append path.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBroker creates a broker with the given per-subscriber buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Publish fans an event out to every matching active subscription.
// Delivery is at-least-once; a subscriber whose buffer is full loses the
// event and is marked gapped so a resubscriber can backfill.
func (b *Broker) Publish(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.scope.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.markGapped()
			telemetry.FeedEventsDropped.Inc()
			logger.Warn("feed_event_dropped", "conversation", ev.Message.Conversation, "id", ev.Message.ID)
		}
	}
}

// Subscribe opens a subscription for the scope. onInsert fires once per
// durable insert visible to the scope, in delivery order; onUpdate may be
// nil. The subscription starts in StatusConnecting and transitions to
// StatusActive once its dispatch loop runs.
func (b *Broker) Subscribe(scope Scope, onInsert func(models.Event), onUpdate func(models.Event)) (*Subscription, error) {
	if onInsert == nil {
		return nil, errors.New("feed: onInsert handler required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBrokerClosed
	}
	sub := &Subscription{
		scope:    scope,
		status:   StatusConnecting,
		ch:       make(chan models.Event, b.buffer),
		done:     make(chan struct{}),
		onInsert: onInsert,
		onUpdate: onUpdate,
	}
	b.subs[sub] = struct{}{}
	telemetry.ActiveSubscriptions.Inc()
	go sub.dispatch()
	logger.Debug("feed_subscribed", "conversation", scope.Conversation, "user", scope.User)
	return sub, nil
}

// Unsubscribe tears the subscription down. Safe to call from any prior
// state; the terminal state is always StatusClosed.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		telemetry.ActiveSubscriptions.Dec()
	}
	b.mu.Unlock()
	sub.close()
}

// Drop simulates a transport failure: the subscription is torn down
// without the owner asking for it. Resubscribers watch for this.
func (b *Broker) Drop(sub *Subscription) {
	b.Unsubscribe(sub)
}

// Close tears down the broker and every remaining subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*Subscription]struct{}{}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		telemetry.ActiveSubscriptions.Dec()
		s.close()
	}
}
