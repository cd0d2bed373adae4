package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

// fakeClock hands out timers that only fire when the test advances time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// fakeSender records appends and answers with a canned message or error.
type fakeSender struct {
	mu       sync.Mutex
	appends  []appendCall
	appendFn func(ref models.ConversationRef, senderID, content, correlationID string) (models.Message, error)
	listFn   func(ref models.ConversationRef, p store.Page) ([]models.Message, error)
}

type appendCall struct {
	ref           models.ConversationRef
	sender        string
	content       string
	correlationID string
}

func (f *fakeSender) Append(ref models.ConversationRef, senderID, content, correlationID string) (models.Message, error) {
	f.mu.Lock()
	f.appends = append(f.appends, appendCall{ref, senderID, content, correlationID})
	f.mu.Unlock()
	if f.appendFn != nil {
		return f.appendFn(ref, senderID, content, correlationID)
	}
	return models.Message{ID: "m-1", Conversation: ref.ID, Sender: senderID, Content: content, CorrelationID: correlationID}, nil
}

func (f *fakeSender) List(ref models.ConversationRef, p store.Page) ([]models.Message, error) {
	if f.listFn != nil {
		return f.listFn(ref, p)
	}
	return nil, nil
}

func (f *fakeSender) calls() []appendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appendCall, len(f.appends))
	copy(out, f.appends)
	return out
}

func confirmOf(v *View, id string, call appendCall, ts int64, seq uint64) models.Event {
	return models.Event{
		Kind:         models.EventInsert,
		Participants: []string{call.sender},
		Message: models.Message{
			ID:            id,
			Conversation:  call.ref.ID,
			Sender:        call.sender,
			Content:       call.content,
			TS:            ts,
			Seq:           seq,
			CorrelationID: call.correlationID,
			State:         models.DeliveryConfirmed,
		},
	}
}

func newTestView(s Sender, opts Options) *View {
	return NewView(s, models.DirectRef("alice", "bob"), "alice", opts)
}

func TestSendEchoesPendingCopy(t *testing.T) {
	fs := &fakeSender{}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	echo, err := v.Send("Hello")
	require.NoError(t, err)
	require.True(t, echo.IsTemp())
	require.True(t, echo.Optimistic)
	require.Equal(t, models.DeliveryPending, echo.State)
	require.NotEmpty(t, echo.CorrelationID)

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, echo.ID, msgs[0].ID)

	calls := fs.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Hello", calls[0].content)
	require.Equal(t, echo.CorrelationID, calls[0].correlationID)
}

func TestSendRejectsBlankContent(t *testing.T) {
	fs := &fakeSender{}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	_, err := v.Send("   \t ")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Empty(t, v.Messages())
	require.Empty(t, fs.calls())
}

func TestSendRollsBackOnWriteFailure(t *testing.T) {
	fs := &fakeSender{appendFn: func(models.ConversationRef, string, string, string) (models.Message, error) {
		return models.Message{}, errors.New("disk on fire")
	}}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	_, err := v.Send("Hello")
	var we *WriteError
	require.ErrorAs(t, err, &we)
	require.Empty(t, v.Messages(), "pending copy must be rolled back")
}

func TestConfirmationRetiresEcho(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk})

	_, err := v.Send("Hello")
	require.NoError(t, err)

	v.HandleEvent(confirmOf(v, "m-42", fs.calls()[0], clk.Now().UnixNano(), 1))

	msgs := v.Messages()
	require.Len(t, msgs, 1, "echo and confirmed copy must not coexist")
	require.Equal(t, "m-42", msgs[0].ID)
	require.Equal(t, models.DeliveryConfirmed, msgs[0].State)
	require.False(t, msgs[0].IsTemp())
}

func TestPendingWindowDegradesToUnconfirmed(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk, PendingTimeout: 5 * time.Second})

	echo, err := v.Send("Hello")
	require.NoError(t, err)

	clk.advance(4 * time.Second)
	require.Equal(t, models.DeliveryPending, v.Messages()[0].State)

	clk.advance(2 * time.Second)
	msgs := v.Messages()
	require.Len(t, msgs, 1, "expired echo is kept, never deleted")
	require.Equal(t, echo.ID, msgs[0].ID)
	require.Equal(t, models.DeliveryUnconfirmed, msgs[0].State)
}

func TestTimerIsNoOpAfterConfirmation(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk, PendingTimeout: 5 * time.Second})

	_, err := v.Send("Hello")
	require.NoError(t, err)
	v.HandleEvent(confirmOf(v, "m-42", fs.calls()[0], clk.Now().UnixNano(), 1))

	clk.advance(10 * time.Second)
	msgs := v.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, models.DeliveryConfirmed, msgs[0].State)
}

// Characterizes the default policy: a confirmation clears every pending
// echo from the same sender, so interleaved confirmations under a burst
// drop the not-yet-confirmed echo.
func TestDefaultReconcileIsLossyUnderBurst(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk})

	_, err := v.Send("first")
	require.NoError(t, err)
	_, err = v.Send("second")
	require.NoError(t, err)
	require.Len(t, v.Messages(), 2)

	// the second message's confirmation lands first
	v.HandleEvent(confirmOf(v, "m-2", fs.calls()[1], clk.Now().UnixNano(), 2))

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "second", msgs[0].Content)
}

func TestBurstEchoesCarryDistinctTempIDs(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk})

	// the fake clock does not tick between sends, so both echoes share
	// one timestamp; their ids must still differ
	a, err := v.Send("first")
	require.NoError(t, err)
	b, err := v.Send("second")
	require.NoError(t, err)
	require.Equal(t, a.TS, b.TS)
	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestStrictReconcileRetiresOnlyMatchingEcho(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk, StrictReconcile: true})

	_, err := v.Send("first")
	require.NoError(t, err)
	_, err = v.Send("second")
	require.NoError(t, err)

	v.HandleEvent(confirmOf(v, "m-2", fs.calls()[1], clk.Now().UnixNano(), 2))

	msgs := v.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, models.DeliveryPending, msgs[0].State)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, models.DeliveryConfirmed, msgs[1].State)

	v.HandleEvent(confirmOf(v, "m-1", fs.calls()[0], clk.Now().UnixNano()-1, 1))
	msgs = v.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, models.DeliveryConfirmed, msgs[0].State)
}

func TestDuplicateConfirmationIgnored(t *testing.T) {
	fs := &fakeSender{}
	clk := newFakeClock()
	v := newTestView(fs, Options{Clock: clk})

	_, err := v.Send("Hello")
	require.NoError(t, err)
	ev := confirmOf(v, "m-42", fs.calls()[0], clk.Now().UnixNano(), 1)
	v.HandleEvent(ev)
	v.HandleEvent(ev)

	require.Len(t, v.Messages(), 1)
}

func TestEventsForOtherConversationsIgnored(t *testing.T) {
	fs := &fakeSender{}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	v.HandleEvent(models.Event{
		Kind:    models.EventInsert,
		Message: models.Message{ID: "m-9", Conversation: "d:carol:dave", Sender: "carol"},
	})
	require.Empty(t, v.Messages())
}

func TestOutOfOrderConfirmationsResort(t *testing.T) {
	fs := &fakeSender{}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	later := models.Message{ID: "m-2", Conversation: v.ref.ID, Sender: "bob", Content: "later", TS: 200, Seq: 2}
	earlier := models.Message{ID: "m-1", Conversation: v.ref.ID, Sender: "bob", Content: "earlier", TS: 100, Seq: 1}
	v.HandleEvent(models.Event{Kind: models.EventInsert, Message: later})
	v.HandleEvent(models.Event{Kind: models.EventInsert, Message: earlier})

	msgs := v.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "m-1", msgs[0].ID)
	require.Equal(t, "m-2", msgs[1].ID)
}

func TestScrollOnlySignaledAtBottom(t *testing.T) {
	fs := &fakeSender{}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	var scrolls int
	v.OnScroll(func() { scrolls++ })

	peer := func(id string, ts int64) models.Event {
		return models.Event{
			Kind:    models.EventInsert,
			Message: models.Message{ID: id, Conversation: v.ref.ID, Sender: "bob", Content: "hi", TS: ts},
		}
	}

	v.HandleEvent(peer("m-1", 100))
	require.Equal(t, 1, scrolls)

	v.SetAtBottom(false)
	v.HandleEvent(peer("m-2", 200))
	require.Equal(t, 1, scrolls, "reading history must not be yanked to the bottom")

	v.SetAtBottom(true)
	v.HandleEvent(peer("m-3", 300))
	require.Equal(t, 2, scrolls)
}

func TestLoadDegradesToReadOnlyOnMissingRoomStorage(t *testing.T) {
	rm := &ResourceMissingError{Conversation: "g:ops", Channel: "", Remediation: remediation, Err: store.ErrRoomNotProvisioned}
	fs := &fakeSender{listFn: func(models.ConversationRef, store.Page) ([]models.Message, error) {
		return nil, rm
	}}
	v := NewView(fs, models.RoomRef("ops"), "alice", Options{Clock: newFakeClock()})

	err := v.Load()
	var got *ResourceMissingError
	require.ErrorAs(t, err, &got)
	require.True(t, v.ReadOnly())
	require.Empty(t, v.Messages())

	_, err = v.Send("anyone?")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Empty(t, fs.calls())
}

func TestLoadPopulatesHistory(t *testing.T) {
	history := []models.Message{
		{ID: "m-1", Conversation: "d:alice:bob", Sender: "bob", Content: "hi", TS: 100},
		{ID: "m-2", Conversation: "d:alice:bob", Sender: "alice", Content: "hey", TS: 200},
	}
	fs := &fakeSender{listFn: func(models.ConversationRef, store.Page) ([]models.Message, error) {
		return history, nil
	}}
	v := newTestView(fs, Options{Clock: newFakeClock()})

	require.NoError(t, v.Load())
	require.Equal(t, history, v.Messages())
	require.False(t, v.ReadOnly())
}
