package engine

import (
	"fmt"
	"strings"
)

// The error taxonomy of the delivery pipeline. Every failure is caught at
// the pipeline boundary and surfaced as a non-fatal notification; nothing
// here is allowed to crash the hosting view.

// ValidationError rejects a message before any I/O happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// WriteError means the durable insert failed; the pending copy has been
// rolled back and the caller decides whether to re-send.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SubscriptionError means the change feed is unavailable; the conversation
// degrades to a poll-less mode without crashing.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription: %v", e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ResourceMissingError means neither the primary nor the legacy room
// channel is provisioned. It carries the steps an operator must take; the
// room degrades to a read-only empty state.
type ResourceMissingError struct {
	Conversation string
	Channel      string
	Remediation  []string
	Err          error
}

func (e *ResourceMissingError) Error() string {
	return fmt.Sprintf("room storage missing for %s (channel %q): %v; remediation: %s",
		e.Conversation, e.Channel, e.Err, strings.Join(e.Remediation, "; "))
}

func (e *ResourceMissingError) Unwrap() error { return e.Err }
