package feed

import (
	"sync"

	"chatrelay/pkg/models"
	"chatrelay/pkg/telemetry"
)

// Status is the subscription lifecycle state. The machine is
// connecting -> active -> closed, with closed reachable from any prior
// state. There is no automatic active -> connecting retry here; reconnect
// lives in Resubscriber.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusClosed     Status = "closed"
)

// Subscription is one registered feed listener, exclusively owned by the
// view that created it.
type Subscription struct {
	scope Scope

	mu     sync.Mutex
	status Status
	gapped bool

	ch        chan models.Event
	done      chan struct{}
	closeOnce sync.Once

	onInsert func(models.Event)
	onUpdate func(models.Event)
}

// Status returns the current lifecycle state.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Scope returns the scope the subscription was opened with.
func (s *Subscription) Scope() Scope { return s.scope }

// Gapped reports whether at least one event was lost on a full buffer
// since the subscription opened.
func (s *Subscription) Gapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gapped
}

// Done is closed when the subscription reaches StatusClosed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) markGapped() {
	s.mu.Lock()
	s.gapped = true
	s.mu.Unlock()
}

func (s *Subscription) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// activate moves connecting to active. Closed is terminal: a subscription
// torn down before its dispatch goroutine got scheduled stays closed.
func (s *Subscription) activate() {
	s.mu.Lock()
	if s.status == StatusConnecting {
		s.status = StatusActive
	}
	s.mu.Unlock()
}

// dispatch drains the event buffer in delivery order, which the broker
// guarantees matches insert order for a single conversation.
func (s *Subscription) dispatch() {
	s.activate()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case models.EventUpdate:
				if s.onUpdate != nil {
					s.onUpdate(ev)
					telemetry.FeedEventsDelivered.Inc()
				}
			default:
				s.onInsert(ev)
				telemetry.FeedEventsDelivered.Inc()
			}
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.setStatus(StatusClosed)
		close(s.done)
	})
}
