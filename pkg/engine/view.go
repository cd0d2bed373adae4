// Package engine holds the client-side delivery pipeline: each open
// conversation owns a View with an ordered in-memory message list, mutated
// only by the optimistic send path and the reconciliation resolver.
package engine

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"
)

// Sender is the durable-write boundary the view talks to; satisfied by
// *store.Store directly and by the room fallback resolver.
type Sender interface {
	Append(ref models.ConversationRef, senderID, content, correlationID string) (models.Message, error)
	List(ref models.ConversationRef, p store.Page) ([]models.Message, error)
}

// Options tune one view.
type Options struct {
	// PendingTimeout bounds how long an echo stays pending before it is
	// flipped to unconfirmed for display. Defaults to 5s.
	PendingTimeout time.Duration
	// StrictReconcile retires exactly one echo by correlation id instead of
	// clearing every pending message from the sender.
	StrictReconcile bool
	Clock           Clock
}

// View is the in-memory ordered message list for one open conversation,
// exclusively owned by the view that created it. Mutation order is lock
// acquisition order; the send pipeline and the resolver are the only
// writers.
type View struct {
	ref    models.ConversationRef
	userID string
	sender Sender
	opts   Options

	mu       sync.Mutex
	msgs     []models.Message
	atBottom bool
	readOnly bool

	onScroll func()
}

// NewView builds a view for one conversation owned by userID.
func NewView(sender Sender, ref models.ConversationRef, userID string, opts Options) *View {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	return &View{ref: ref, userID: userID, sender: sender, opts: opts, atBottom: true}
}

// OnScroll registers the scroll-to-bottom signal.
func (v *View) OnScroll(fn func()) { v.onScroll = fn }

// SetAtBottom records whether the viewer is at the bottom of the list;
// reconciliation only signals a scroll when they are.
func (v *View) SetAtBottom(b bool) {
	v.mu.Lock()
	v.atBottom = b
	v.mu.Unlock()
}

// ReadOnly reports whether the view degraded after a storage setup error.
func (v *View) ReadOnly() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readOnly
}

// Load fetches history from the store. A missing room channel degrades the
// view to read-only empty and returns the setup error for surfacing; it
// never panics the host.
func (v *View) Load() error {
	msgs, err := v.sender.List(v.ref, store.Page{})
	if err != nil {
		var rm *ResourceMissingError
		if errors.As(err, &rm) {
			v.mu.Lock()
			v.msgs = nil
			v.readOnly = true
			v.mu.Unlock()
			logger.Error("room_storage_missing", "conversation", v.ref.ID, "error", err)
			return err
		}
		return err
	}
	v.mu.Lock()
	v.msgs = msgs
	v.mu.Unlock()
	return nil
}

// Send runs the optimistic pipeline: validate, echo a pending copy, write
// durably, roll back on failure, and arm the pending-window timer. On
// success the pending copy stays until reconciliation retires it; the
// pipeline never replaces it itself, to avoid racing the feed event.
func (v *View) Send(content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, &ValidationError{Reason: "empty message content"}
	}
	v.mu.Lock()
	if v.readOnly {
		v.mu.Unlock()
		return models.Message{}, &ValidationError{Reason: "conversation is read-only"}
	}
	now := v.opts.Clock.Now()
	temp := models.Message{
		ID:            utils.GenTempID(now),
		Conversation:  v.ref.ID,
		Sender:        v.userID,
		Content:       content,
		TS:            now.UnixNano(),
		CorrelationID: utils.GenCorrelationID(),
		State:         models.DeliveryPending,
		Optimistic:    true,
	}
	v.msgs = append(v.msgs, temp)
	v.mu.Unlock()
	v.scroll()

	if _, err := v.sender.Append(v.ref, v.userID, content, temp.CorrelationID); err != nil {
		v.removeByID(temp.ID)
		telemetry.AppendFailures.Inc()
		logger.Warn("send_rolled_back", "conversation", v.ref.ID, "temp_id", temp.ID, "error", err)
		return models.Message{}, wrapWriteError(err)
	}
	telemetry.MessagesAppended.Inc()

	// No silent retry and no replacement here; only the resolver retires
	// the echo. The timer degrades a stuck echo instead of deleting it.
	v.opts.Clock.AfterFunc(v.opts.PendingTimeout, func() { v.expirePending(temp.ID) })
	return temp, nil
}

// wrapWriteError keeps the taxonomy: validation errors pass through, room
// setup errors stay ResourceMissing, everything else is a WriteError.
func wrapWriteError(err error) error {
	var rm *ResourceMissingError
	if errors.As(err, &rm) {
		return err
	}
	if errors.Is(err, store.ErrEmptyContent) {
		return &ValidationError{Reason: "empty message content"}
	}
	return &WriteError{Op: "append", Err: err}
}

// HandleEvent is the feed callback; it forwards confirmed inserts for this
// conversation into the resolver. Events for other conversations and
// duplicate deliveries are tolerated.
func (v *View) HandleEvent(ev models.Event) {
	if ev.Kind != models.EventInsert || ev.Message.Conversation != v.ref.ID {
		return
	}
	v.reconcile(ev.Message)
}

// reconcile merges a confirmed insert into the ordered list, retiring
// pending echoes. The default remove-all-pending-from-sender policy is
// deliberately simple and lossy under bursts; strict mode retires exactly
// one echo by correlation id.
func (v *View) reconcile(m models.Message) {
	v.mu.Lock()
	for _, have := range v.msgs {
		if have.ID == m.ID {
			v.mu.Unlock()
			telemetry.Reconciliations.WithLabelValues("duplicate").Inc()
			return
		}
	}

	if v.opts.StrictReconcile && m.CorrelationID != "" {
		for i, have := range v.msgs {
			if have.State == models.DeliveryPending && have.CorrelationID == m.CorrelationID {
				v.msgs = append(v.msgs[:i], v.msgs[i+1:]...)
				telemetry.Reconciliations.WithLabelValues("retired").Inc()
				break
			}
		}
	} else {
		kept := v.msgs[:0]
		retired := 0
		for _, have := range v.msgs {
			if have.State == models.DeliveryPending && have.Sender == m.Sender {
				retired++
				continue
			}
			kept = append(kept, have)
		}
		v.msgs = kept
		if retired > 0 {
			telemetry.Reconciliations.WithLabelValues("retired").Add(float64(retired))
		}
	}

	m.State = models.DeliveryConfirmed
	v.msgs = append(v.msgs, m)
	// feed order matches insert order per conversation; re-sort only when
	// an out-of-order arrival is actually observed
	n := len(v.msgs)
	if n > 1 && older(v.msgs[n-1], v.msgs[n-2]) {
		sort.SliceStable(v.msgs, func(i, j int) bool { return older(v.msgs[i], v.msgs[j]) })
	}
	atBottom := v.atBottom
	v.mu.Unlock()

	telemetry.Reconciliations.WithLabelValues("appended").Inc()
	if atBottom {
		v.scroll()
	}
}

func older(a, b models.Message) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.Seq < b.Seq
}

// expirePending flips a still-pending echo to unconfirmed once the window
// closes. The record is kept as a best-effort local copy, not deleted.
func (v *View) expirePending(tempID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.msgs {
		if m.ID == tempID && m.State == models.DeliveryPending {
			v.msgs[i].State = models.DeliveryUnconfirmed
			telemetry.PendingTimeouts.Inc()
			logger.Warn("pending_window_expired", "conversation", v.ref.ID, "temp_id", tempID)
			return
		}
	}
}

func (v *View) removeByID(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.msgs {
		if m.ID == id {
			v.msgs = append(v.msgs[:i], v.msgs[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the ordered list.
func (v *View) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *View) scroll() {
	if v.onScroll != nil {
		v.onScroll()
	}
}
