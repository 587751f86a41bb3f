// Package events defines what the reconciliation core emits for the outside
// world and the Sink interface that delivers it.
package events

import (
	"time"

	"github.com/lock-code-manager/backend/internal/storage/models"
)

// Notification reports lock activity attributed to a slot.
type Notification struct {
	LockID      string `json:"lock_id"`
	LockName    string `json:"lock_name"`
	SlotNumber  int    `json:"slot_number"`
	SlotName    string `json:"slot_name"`
	ActionLabel string `json:"action_label"`
	ActionCode  int    `json:"action_code"`

	// Notify mirrors the slot's notification flag.
	Notify         bool      `json:"notify"`
	UsageRemaining *int      `json:"usage_remaining,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Diagnostic kinds.
const (
	DiagnosticRetriesExhausted = "retries_exhausted"
	DiagnosticRejected         = "rejected"
	DiagnosticNotFound         = "not_found"
	DiagnosticReadFailed       = "read_failed"
	DiagnosticConnectFailed    = "connect_failed"
)

// Diagnostic reports a persistent failure that needs attention.
type Diagnostic struct {
	LockID     string    `json:"lock_id"`
	SlotNumber int       `json:"slot_number,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// SlotChanged reports a change in a slot's runtime status.
type SlotChanged struct {
	LockID string `json:"lock_id"`
	models.SlotStatus
}

// LockChanged reports a lock connectivity transition.
type LockChanged struct {
	LockID    string                  `json:"lock_id"`
	Status    models.ConnectionStatus `json:"status"`
	Connected bool                    `json:"connected"`
}

// Sink receives emitted events. Implementations must not block.
type Sink interface {
	Notify(n Notification)
	Diagnose(d Diagnostic)
	SlotChanged(s SlotChanged)
	LockChanged(l LockChanged)
}

// Fanout delivers every event to each sink in order.
type Fanout []Sink

func (f Fanout) Notify(n Notification) {
	for _, s := range f {
		s.Notify(n)
	}
}

func (f Fanout) Diagnose(d Diagnostic) {
	for _, s := range f {
		s.Diagnose(d)
	}
}

func (f Fanout) SlotChanged(c SlotChanged) {
	for _, s := range f {
		s.SlotChanged(c)
	}
}

func (f Fanout) LockChanged(c LockChanged) {
	for _, s := range f {
		s.LockChanged(c)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Notification)     {}
func (Discard) Diagnose(Diagnostic)     {}
func (Discard) SlotChanged(SlotChanged) {}
func (Discard) LockChanged(LockChanged) {}
