package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data, ok := <-c.Send():
		if !ok {
			t.Fatal("client channel closed")
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding message: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func nothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Errorf("unexpected message %s", data)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHub_SubscriptionFilter(t *testing.T) {
	h := runHub(t)
	all := NewClient(h)
	front := NewClient(h)
	front.Subscribe([]string{"front"})
	h.Register(all)
	h.Register(front)

	b := NewEventBroadcaster(h)
	b.LockChanged(events.LockChanged{LockID: "back", Status: models.StatusConnected, Connected: true})
	b.SlotChanged(events.SlotChanged{LockID: "front", SlotStatus: models.SlotStatus{Number: 2, SyncState: models.SyncSynced, Synced: true}})
	b.BroadcastAutomationChanged(false)

	if msg := receive(t, all); msg.Type != TypeLockStatusChanged {
		t.Errorf("first message to unfiltered client = %s", msg.Type)
	}
	if msg := receive(t, all); msg.Type != TypeSlotStatusChanged {
		t.Errorf("second message to unfiltered client = %s", msg.Type)
	}
	if msg := receive(t, all); msg.Type != TypeAutomationChanged {
		t.Errorf("third message to unfiltered client = %s", msg.Type)
	}

	msg := receive(t, front)
	if msg.Type != TypeSlotStatusChanged {
		t.Fatalf("first message to filtered client = %s, want slot status", msg.Type)
	}
	payload := msg.Payload.(map[string]any)
	if payload["lock_id"] != "front" || payload["slot_number"] != float64(2) || payload["sync_state"] != "synced" {
		t.Errorf("slot payload = %v", payload)
	}
	if msg := receive(t, front); msg.Type != TypeAutomationChanged {
		t.Errorf("system message to filtered client = %s", msg.Type)
	}
	nothing(t, front)
}

func TestClient_SubscribeUnsubscribe(t *testing.T) {
	c := NewClient(nil)
	if !c.Wants("any") || c.Subscriptions() != nil {
		t.Fatal("new client should want every lock")
	}

	c.Subscribe([]string{"a", "b"})
	if !c.Wants("a") || c.Wants("c") {
		t.Error("filter not applied")
	}
	c.Unsubscribe([]string{"a"})
	if c.Wants("a") || !c.Wants("b") {
		t.Error("unsubscribe did not remove a")
	}
	if !c.Wants("") {
		t.Error("system messages filtered out")
	}
	c.Unsubscribe(nil)
	if !c.Wants("a") {
		t.Error("empty unsubscribe should reset to all locks")
	}
}

func TestHub_ReplyAndShutdown(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	c := NewClient(h)
	h.Register(c)
	if !c.Reply([]byte(`{"type":"pong"}`)) {
		t.Fatal("Reply() = false for registered client")
	}
	<-c.Send()

	cancel()
	<-done
	if _, ok := <-c.Send(); ok {
		t.Error("client channel open after hub stopped")
	}
	if c.Reply([]byte("late")) {
		t.Error("Reply() = true after hub stopped")
	}

	late := NewClient(h)
	h.Register(late)
	if _, ok := <-late.Send(); ok {
		t.Error("late client channel open")
	}
	h.Unregister(late)
}
