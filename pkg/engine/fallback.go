package engine

import (
	"errors"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
)

// remediation lists what an operator must do when a room has no storage
// channel at all.
var remediation = []string{
	"provision the primary room channel (chatrelay admin: provision-room --id <room>)",
	"or restore the legacy channel named in storage.legacy_channel",
	"then restart the room view; it stays read-only until then",
}

// Fallback retries failed group-room operations against the legacy channel
// before surfacing a setup error. Direct threads pass straight through.
type Fallback struct {
	store  *store.Store
	legacy string
}

// NewFallback wraps the store with the legacy-channel retry.
func NewFallback(s *store.Store, legacyChannel string) *Fallback {
	return &Fallback{store: s, legacy: legacyChannel}
}

var _ Sender = (*Fallback)(nil)

// Append writes to the primary channel and, if the room is not
// provisioned there, retries once against the legacy channel. Both
// missing yields a ResourceMissingError with operator remediation.
func (f *Fallback) Append(ref models.ConversationRef, senderID, content, correlationID string) (models.Message, error) {
	m, err := f.store.Append(ref, senderID, content, correlationID)
	if err == nil || ref.Kind != models.KindGroup || !errors.Is(err, store.ErrRoomNotProvisioned) {
		return m, err
	}
	telemetry.FallbackEngaged.Inc()
	logger.Warn("room_primary_channel_missing", "conversation", ref.ID, "legacy", f.legacy)

	legacyRef := ref
	legacyRef.Channel = f.legacy
	m, lerr := f.store.Append(legacyRef, senderID, content, correlationID)
	if lerr == nil {
		return m, nil
	}
	if errors.Is(lerr, store.ErrRoomNotProvisioned) {
		return models.Message{}, &ResourceMissingError{
			Conversation: ref.ID,
			Channel:      ref.Channel,
			Remediation:  remediation,
			Err:          lerr,
		}
	}
	return models.Message{}, lerr
}

// List mirrors Append's retry for history queries.
func (f *Fallback) List(ref models.ConversationRef, p store.Page) ([]models.Message, error) {
	out, err := f.store.List(ref, p)
	if err == nil || ref.Kind != models.KindGroup || !errors.Is(err, store.ErrRoomNotProvisioned) {
		return out, err
	}
	telemetry.FallbackEngaged.Inc()
	logger.Warn("room_primary_channel_missing", "conversation", ref.ID, "legacy", f.legacy)

	legacyRef := ref
	legacyRef.Channel = f.legacy
	out, lerr := f.store.List(legacyRef, p)
	if lerr == nil {
		return out, nil
	}
	if errors.Is(lerr, store.ErrRoomNotProvisioned) {
		return nil, &ResourceMissingError{
			Conversation: ref.ID,
			Channel:      ref.Channel,
			Remediation:  remediation,
			Err:          lerr,
		}
	}
	return nil, lerr
}
