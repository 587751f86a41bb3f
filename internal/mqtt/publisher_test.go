package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, payload, retained})
	return nil
}

func (f *fakePublisher) wait(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.msgs) >= n {
			out := append([]published(nil), f.msgs...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestTopics(t *testing.T) {
	topics := NewTopics("")
	tests := []struct {
		got, want string
	}{
		{topics.Status(), "lock-code-manager/status"},
		{topics.LockStatus("abc"), "lock-code-manager/lock/abc/status"},
		{topics.SlotStatus("abc", 3), "lock-code-manager/lock/abc/slot/3"},
		{topics.Notification("abc"), "lock-code-manager/lock/abc/notification"},
		{topics.Diagnostic("abc"), "lock-code-manager/lock/abc/diagnostic"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}

	z := Zigbee2MQTT{Base: "zigbee2mqtt", Device: "front_door"}
	if z.Set() != "zigbee2mqtt/front_door/set" || z.Availability() != "zigbee2mqtt/front_door/availability" {
		t.Errorf("zigbee2mqtt topics = %q, %q", z.Set(), z.Availability())
	}
}

func TestPublisher_DeliversEvents(t *testing.T) {
	fake := &fakePublisher{}
	p := newPublisher(fake, NewTopics("lcm"), 1, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Notify(events.Notification{LockID: "door", SlotNumber: 3, SlotName: "Guest", ActionLabel: "Keypad Unlock"})
	p.SlotChanged(events.SlotChanged{LockID: "door", SlotStatus: models.SlotStatus{Number: 3, Synced: true}})

	msgs := fake.wait(t, 2)

	if msgs[0].topic != "lcm/lock/door/notification" || msgs[0].retained {
		t.Errorf("notification published to %q retained=%v", msgs[0].topic, msgs[0].retained)
	}
	var n events.Notification
	if err := json.Unmarshal(msgs[0].payload, &n); err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	if n.SlotNumber != 3 || n.SlotName != "Guest" {
		t.Errorf("notification = %+v", n)
	}

	if msgs[1].topic != "lcm/lock/door/slot/3" || !msgs[1].retained {
		t.Errorf("slot status published to %q retained=%v", msgs[1].topic, msgs[1].retained)
	}
}
