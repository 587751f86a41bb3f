package websocket

import (
	"github.com/lock-code-manager/backend/internal/events"
)

// EventBroadcaster forwards reconciliation events to WebSocket clients. It
// implements events.Sink.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

func (b *EventBroadcaster) Notify(n events.Notification) {
	b.broadcast(n.LockID, NewMessage(TypeLockActivity, n))
}

func (b *EventBroadcaster) Diagnose(d events.Diagnostic) {
	b.broadcast(d.LockID, NewMessage(TypeDiagnostic, d))
}

func (b *EventBroadcaster) SlotChanged(s events.SlotChanged) {
	b.broadcast(s.LockID, NewMessage(TypeSlotStatusChanged, s))
}

func (b *EventBroadcaster) LockChanged(l events.LockChanged) {
	b.broadcast(l.LockID, NewMessage(TypeLockStatusChanged, l))
}

// BroadcastAutomationChanged tells every client the automation switch moved.
func (b *EventBroadcaster) BroadcastAutomationChanged(enabled bool) {
	b.broadcast("", NewMessage(TypeAutomationChanged, AutomationPayload{Enabled: enabled}))
}

func (b *EventBroadcaster) broadcast(lockID string, msg Message) {
	data, err := msg.JSON()
	if err != nil {
		b.hub.logger.Error("encoding websocket message", "type", msg.Type, "error", err)
		return
	}
	b.hub.Broadcast(lockID, data)
}
