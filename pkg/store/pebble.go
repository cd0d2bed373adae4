package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"
)

var (
	// ErrClosed is returned when the store is used before Open or after Close.
	ErrClosed = errors.New("pebble not opened; call store.Open first")
	// ErrEmptyContent rejects empty or whitespace-only message content.
	ErrEmptyContent = errors.New("empty message content")
	// ErrRoomNotProvisioned means the room keyspace has no meta record in the
	// addressed channel. The fallback resolver retries the legacy channel.
	ErrRoomNotProvisioned = errors.New("room not provisioned")
	// ErrMalformedConversation rejects a direct conversation id that does
	// not carry both peer ids.
	ErrMalformedConversation = errors.New("malformed direct conversation id")
)

// Page bounds a history query. Limit 0 means unbounded; Before (ns) keeps
// only messages created strictly earlier, for paging backwards.
type Page struct {
	Limit  int
	Before int64
}

// IndexEntry is one row of the per-user directory index maintained on
// every append, so listing an inbox never scans the full log.
type IndexEntry struct {
	Conversation string                  `json:"conversation"`
	Kind         models.ConversationKind `json:"kind"`
	Peer         string                  `json:"peer,omitempty"`
	Title        string                  `json:"title,omitempty"`
	LastTS       int64                   `json:"last_ts"`
	LastContent  string                  `json:"last_content"`
	LastSender   string                  `json:"last_sender"`
}

// Store is the adapter over the durable append-only message log. One Store
// owns one pebble handle; ownership is explicit so tests can run several
// stores side by side.
type Store struct {
	db *pebble.DB

	// seq reduces key collisions when multiple messages share the same
	// nanosecond timestamp and breaks ordering ties by insertion sequence.
	seq uint64

	// notify is invoked once per durable append, after the write is synced.
	// The feed broker registers itself here; self-notification is expected
	// and filtered by subscribers, never suppressed at the source.
	notify func(models.Event)

	roomPage   int
	directPage int
}

// Open opens (or creates) a pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying pebble DB if present.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// SetNotify registers the change-feed hook called after each append.
func (s *Store) SetNotify(fn func(models.Event)) { s.notify = fn }

// SetPageSizes configures default history bounds: rooms default to the
// last 50 messages, direct threads are unbounded (0).
func (s *Store) SetPageSizes(room, direct int) {
	s.roomPage = room
	s.directPage = direct
}

// Append durably inserts one message and emits exactly one change event to
// the registered feed hook. The returned message carries the server id.
func (s *Store) Append(ref models.ConversationRef, senderID, content, correlationID string) (models.Message, error) {
	if !s.Ready() {
		return models.Message{}, ErrClosed
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}
	participants, err := s.participants(ref)
	if err != nil {
		return models.Message{}, err
	}

	ts := time.Now().UTC().UnixNano()
	seq := atomic.AddUint64(&s.seq, 1)
	msg := models.Message{
		ID:            utils.GenMessageID(),
		Conversation:  ref.ID,
		Sender:        senderID,
		Content:       content,
		TS:            ts,
		Seq:           seq,
		CorrelationID: correlationID,
		State:         models.DeliveryConfirmed,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	key := msgKey(ref, ts, seq)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		logger.Error("append_message_failed", "conversation", ref.ID, "key", string(key), "error", err)
		return models.Message{}, err
	}
	logger.Info("message_appended", "conversation", ref.ID, "id", msg.ID, "sender", senderID)

	if err := s.updateIndexes(ref, msg, participants); err != nil {
		// the message is durable; index maintenance failing is logged, not fatal
		logger.Error("index_update_failed", "conversation", ref.ID, "error", err)
	}

	if s.notify != nil {
		s.notify(models.Event{Kind: models.EventInsert, Participants: participants, Message: msg})
	}
	return msg, nil
}

// participants resolves who can see messages in the conversation. Group
// refs require a provisioned meta record in the addressed channel.
func (s *Store) participants(ref models.ConversationRef) ([]string, error) {
	switch ref.Kind {
	case models.KindGroup:
		if _, _, err := s.db.Get(metaKey(ref)); err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return nil, fmt.Errorf("%w: channel %q conversation %q", ErrRoomNotProvisioned, ref.Channel, ref.ID)
			}
			return nil, err
		}
		return s.Members(ref)
	default:
		a, b, ok := directParticipants(ref.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedConversation, ref.ID)
		}
		return []string{a, b}, nil
	}
}

// updateIndexes maintains the per-user directory index and, for direct
// threads, the recipient's unread counter.
func (s *Store) updateIndexes(ref models.ConversationRef, msg models.Message, participants []string) error {
	title := ""
	if ref.Kind == models.KindGroup {
		if room, err := s.GetRoom(ref); err == nil {
			title = room.Title
			room.UpdatedTS = msg.TS
			if nb, merr := json.Marshal(room); merr == nil {
				_ = s.db.Set(metaKey(ref), nb, pebble.Sync)
			}
		}
	}
	for _, user := range participants {
		peer := ""
		if ref.Kind == models.KindDirect {
			a, b, _ := directParticipants(ref.ID)
			if user == a {
				peer = b
			} else {
				peer = a
			}
		}
		entry := IndexEntry{
			Conversation: ref.ID,
			Kind:         ref.Kind,
			Peer:         peer,
			Title:        title,
			LastTS:       msg.TS,
			LastContent:  msg.Content,
			LastSender:   msg.Sender,
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := s.db.Set(userIndexKey(user, ref.ID), b, pebble.Sync); err != nil {
			return err
		}
		if ref.Kind == models.KindDirect && user != msg.Sender {
			if err := s.bumpUnread(ref.ID, user, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns messages for a conversation ascending by timestamp with
// ties broken by insertion sequence. A zero-limit page falls back to the
// configured default for the conversation kind; when a limit applies, the
// most recent messages are kept.
func (s *Store) List(ref models.ConversationRef, p Page) ([]models.Message, error) {
	if !s.Ready() {
		return nil, ErrClosed
	}
	if ref.Kind == models.KindGroup {
		if _, _, err := s.db.Get(metaKey(ref)); err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return nil, fmt.Errorf("%w: channel %q conversation %q", ErrRoomNotProvisioned, ref.Channel, ref.ID)
			}
			return nil, err
		}
	}
	limit := p.Limit
	if limit == 0 {
		if ref.Kind == models.KindGroup {
			limit = s.roomPage
		} else {
			limit = s.directPage
		}
	}

	prefix := msgPrefix(ref)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			logger.Error("list_invalid_message_json", "key", string(iter.Key()), "error", err)
			continue
		}
		if p.Before > 0 && m.TS >= p.Before {
			break
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// MarkRead marks every message addressed to readerID in the conversation
// as read and clears the reader's unread counter. Idempotent; no error if
// nothing to mark.
func (s *Store) MarkRead(ref models.ConversationRef, readerID string) error {
	if !s.Ready() {
		return ErrClosed
	}
	prefix := msgPrefix(ref)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Sender == readerID || m.Read {
			continue
		}
		m.Read = true
		nb, err := json.Marshal(m)
		if err != nil {
			return err
		}
		k := append([]byte(nil), iter.Key()...)
		if err := s.db.Set(k, nb, pebble.Sync); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if err := s.db.Delete(unreadKey(ref.ID, readerID), pebble.Sync); err != nil {
		return err
	}
	logger.Debug("conversation_marked_read", "conversation", ref.ID, "reader", readerID)
	return nil
}

// UnreadCount returns the reader's unread counter for a direct thread.
func (s *Store) UnreadCount(convID, userID string) (int, error) {
	if !s.Ready() {
		return 0, ErrClosed
	}
	v, closer, err := s.db.Get(unreadKey(convID, userID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("corrupt unread counter for %s/%s: %w", convID, userID, err)
	}
	return n, nil
}

func (s *Store) bumpUnread(convID, userID string, delta int) error {
	n, err := s.UnreadCount(convID, userID)
	if err != nil {
		return err
	}
	return s.db.Set(unreadKey(convID, userID), []byte(strconv.Itoa(n+delta)), pebble.Sync)
}

// UserIndex returns the directory index entries for a user, unsorted; the
// directory layer orders and decorates them.
func (s *Store) UserIndex(userID string) ([]IndexEntry, error) {
	if !s.Ready() {
		return nil, ErrClosed
	}
	prefix := userIndexPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []IndexEntry
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var e IndexEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			logger.Error("user_index_invalid_entry", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// ProvisionRoom stores room metadata and its member set in the addressed
// channel keyspace. Provisioning is what makes a room channel available.
func (s *Store) ProvisionRoom(ref models.ConversationRef, room models.Room, members []string) error {
	if !s.Ready() {
		return ErrClosed
	}
	if room.CreatedTS == 0 {
		room.CreatedTS = time.Now().UTC().UnixNano()
	}
	room.UpdatedTS = room.CreatedTS
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := s.db.Set(metaKey(ref), b, pebble.Sync); err != nil {
		logger.Error("provision_room_failed", "conversation", ref.ID, "error", err)
		return err
	}
	for _, m := range members {
		if err := s.db.Set(memberKey(ref, m), []byte("1"), pebble.Sync); err != nil {
			return err
		}
	}
	logger.Info("room_provisioned", "conversation", ref.ID, "channel", ref.Channel, "members", len(members))
	return nil
}

// GetRoom returns the stored room metadata for a group ref.
func (s *Store) GetRoom(ref models.ConversationRef) (models.Room, error) {
	if !s.Ready() {
		return models.Room{}, ErrClosed
	}
	v, closer, err := s.db.Get(metaKey(ref))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Room{}, fmt.Errorf("%w: channel %q conversation %q", ErrRoomNotProvisioned, ref.Channel, ref.ID)
		}
		return models.Room{}, err
	}
	defer closer.Close()
	var room models.Room
	if err := json.Unmarshal(v, &room); err != nil {
		return models.Room{}, fmt.Errorf("invalid room metadata: %w", err)
	}
	return room, nil
}

// AddMember subscribes a user to a room.
func (s *Store) AddMember(ref models.ConversationRef, userID string) error {
	if !s.Ready() {
		return ErrClosed
	}
	return s.db.Set(memberKey(ref, userID), []byte("1"), pebble.Sync)
}

// Members lists a room's member ids.
func (s *Store) Members(ref models.ConversationRef) ([]string, error) {
	if !s.Ready() {
		return nil, ErrClosed
	}
	prefix := memberPrefix(ref)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

// PurgeOlderThan deletes confirmed messages created before cutoff (ns),
// up to batch keys per call. Returns how many were (or would be) removed.
func (s *Store) PurgeOlderThan(cutoff int64, batch int, dryRun bool) (int, error) {
	if !s.Ready() {
		return 0, ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	prefix := []byte("conv:")
	removed := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := string(iter.Key())
		if !strings.Contains(k, ":msg:") {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.TS >= cutoff {
			continue
		}
		if !dryRun {
			kk := append([]byte(nil), iter.Key()...)
			if err := s.db.Delete(kk, pebble.Sync); err != nil {
				return removed, err
			}
		}
		removed++
		if batch > 0 && removed >= batch {
			break
		}
	}
	return removed, iter.Error()
}
