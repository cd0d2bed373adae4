package feed

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/telemetry"
)

// QueryFunc fetches the most recent confirmed messages for the scope,
// ascending, so a resubscriber can detect and fill gaps after a drop.
type QueryFunc func(limit int) ([]models.Message, error)

// ReconnectPolicy tunes the exponential backoff between resubscribe
// attempts. Zero fields keep the backoff library defaults.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Resubscriber wraps a subscription with automatic reconnect. The base
// subscription state machine stays retry-free; this helper re-opens a
// dropped subscription with exponential backoff and replays a window of
// recent confirmed ids against the store to backfill anything missed.
type Resubscriber struct {
	broker   *Broker
	scope    Scope
	query    QueryFunc
	onInsert func(models.Event)
	policy   ReconnectPolicy

	window int
	mu     sync.Mutex
	order  []string
	seen   map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewResubscriber builds a resubscriber keeping `window` recent confirmed
// ids for gap detection.
func NewResubscriber(b *Broker, scope Scope, window int, query QueryFunc, onInsert func(models.Event), policy ReconnectPolicy) *Resubscriber {
	if window <= 0 {
		window = 32
	}
	return &Resubscriber{
		broker:   b,
		scope:    scope,
		query:    query,
		onInsert: onInsert,
		policy:   policy,
		window:   window,
		seen:     make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Run subscribes and keeps the subscription alive until ctx is canceled,
// Stop is called, or the backoff budget is exhausted.
func (r *Resubscriber) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		bo.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		bo.MaxInterval = r.policy.MaxInterval
	}
	bo.MaxElapsedTime = r.policy.MaxElapsedTime

	first := true
	for {
		sub, err := r.broker.Subscribe(r.scope, r.handle, nil)
		if err != nil {
			// wait returns nil on Stop as well, so check for shutdown
			// explicitly or a refusing broker spins this loop forever
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.stop:
				return nil
			default:
			}
			if werr := r.wait(ctx, bo); werr != nil {
				return werr
			}
			continue
		}
		if !first {
			telemetry.Resubscribes.Inc()
			logger.Info("feed_resubscribed", "conversation", r.scope.Conversation, "user", r.scope.User)
		}
		first = false
		bo.Reset()
		r.backfill()

		select {
		case <-ctx.Done():
			r.broker.Unsubscribe(sub)
			return ctx.Err()
		case <-r.stop:
			r.broker.Unsubscribe(sub)
			return nil
		case <-sub.Done():
			logger.Warn("feed_subscription_dropped", "conversation", r.scope.Conversation, "user", r.scope.User)
			if werr := r.wait(ctx, bo); werr != nil {
				return werr
			}
		}
	}
}

// Stop ends Run after tearing down the current subscription.
func (r *Resubscriber) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Resubscriber) wait(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return context.DeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return nil
	case <-t.C:
		return nil
	}
}

// handle records the confirmed id in the replay window and forwards the
// event to the owner.
func (r *Resubscriber) handle(ev models.Event) {
	r.remember(ev.Message.ID)
	r.onInsert(ev)
}

func (r *Resubscriber) remember(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.order) > r.window {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
}

// backfill queries the recent window and delivers any confirmed message
// the window has not seen, covering events lost while disconnected.
func (r *Resubscriber) backfill() {
	if r.query == nil {
		return
	}
	msgs, err := r.query(r.window)
	if err != nil {
		logger.Error("feed_backfill_failed", "conversation", r.scope.Conversation, "error", err)
		return
	}
	for _, m := range msgs {
		r.mu.Lock()
		_, dup := r.seen[m.ID]
		r.mu.Unlock()
		if dup {
			continue
		}
		r.handle(models.Event{Kind: models.EventInsert, Message: m})
	}
}
