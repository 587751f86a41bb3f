package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lock-code-manager/backend/internal/mqtt"
)

type published struct {
	topic   string
	payload map[string]any
}

// fakeMQTT is an in-process broker session. A "device" answers get
// requests on <base>/<device>/get with a users state update.
type fakeMQTT struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	listeners map[int]func(bool)
	nextID    int
	sent      []published
	codes     map[int]string
	silent    bool
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
		listeners: make(map[int]func(bool)),
		codes:     make(map[int]string),
	}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	f.sent = append(f.sent, published{topic: topic, payload: body})
	pin, _ := body["pin_code"].(map[string]any)
	user := 0
	if n, ok := pin["user"].(float64); ok {
		user = int(n)
	}
	if strings.HasSuffix(topic, "/set") {
		if code, ok := pin["pin_code"].(string); ok {
			f.codes[user] = code
		} else {
			delete(f.codes, user)
		}
	}
	reply := strings.HasSuffix(topic, "/get") && !f.silent
	code := f.codes[user]
	f.mu.Unlock()

	if reply {
		state := strings.TrimSuffix(topic, "/get")
		users := map[string]any{fmt.Sprint(user): map[string]any{"status": "enabled", "pin_code": code}}
		if code == "" {
			users[fmt.Sprint(user)] = map[string]any{"status": "available", "pin_code": nil}
		}
		go f.deliver(state, map[string]any{"users": users})
	}
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return mqtt.ErrNotConnected
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) AddConnectionListener(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeMQTT) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	fns := make([]func(bool), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (f *fakeMQTT) deliver(topic string, payload any) {
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	default:
		data, _ = json.Marshal(p)
	}

	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		_ = h(topic, data)
	}
}

func newZ2MTest(t *testing.T) (*fakeMQTT, *Zigbee2MQTTProvider) {
	t.Helper()
	f := newFakeMQTT()
	p := NewZigbee2MQTTProvider(f, Zigbee2MQTTOptions{
		BaseTopic: "zigbee2mqtt",
		Device:    "front_door",
		StartSlot: 1,
		SlotCount: 2,
		Timeout:   time.Second,
	}, nil)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return f, p
}

func TestZigbee2MQTT_ReadWrite(t *testing.T) {
	f, p := newZ2MTest(t)
	ctx := context.Background()

	if err := p.SetUserCode(ctx, 1, "4821", "Cleaner"); err != nil {
		t.Fatalf("SetUserCode() error = %v", err)
	}

	codes, err := p.GetUserCodes(ctx)
	if err != nil {
		t.Fatalf("GetUserCodes() error = %v", err)
	}
	got := ByNumber(codes)
	if len(codes) != 2 || got[1].Code != "4821" || !got[1].InUse || got[2].InUse {
		t.Errorf("GetUserCodes() = %+v", codes)
	}

	if err := p.ClearUserCode(ctx, 1); err != nil {
		t.Fatalf("ClearUserCode() error = %v", err)
	}
	codes, _ = p.GetUserCodes(ctx)
	if ByNumber(codes)[1].InUse {
		t.Errorf("slot 1 in use after clear: %+v", codes)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	first := f.sent[0]
	if first.topic != "zigbee2mqtt/front_door/set" {
		t.Errorf("first publish topic = %q", first.topic)
	}
	if pin := first.payload["pin_code"].(map[string]any); pin["pin_code"] != "4821" || pin["user_enabled"] != true {
		t.Errorf("set payload = %v", first.payload)
	}
}

func TestZigbee2MQTT_ReadTimeout(t *testing.T) {
	f, p := newZ2MTest(t)
	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()

	if _, err := p.GetUserCodes(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("GetUserCodes() with silent device = %v, want ErrTimeout", err)
	}
}

func TestZigbee2MQTT_Events(t *testing.T) {
	f, p := newZ2MTest(t)

	events := make(chan LockEvent, 4)
	p.SubscribeLockEvents(func(ev LockEvent) { events <- ev })

	f.deliver("zigbee2mqtt/front_door", map[string]any{
		"action": "unlock", "action_source_name": "keypad", "action_user": 2, "state": "UNLOCK",
	})
	f.deliver("zigbee2mqtt/front_door", map[string]any{"action": "lock", "action_source_name": "manual"})
	f.deliver("zigbee2mqtt/front_door", map[string]any{"state": "LOCK", "battery": 80})

	ev := waitEvent(t, events)
	if !ev.KeypadUnlock || ev.Slot != 2 || ev.Label != "Keypad Unlock" {
		t.Errorf("first event = %+v, want keypad unlock on slot 2", ev)
	}
	ev = waitEvent(t, events)
	if ev.KeypadUnlock || ev.Slot != 0 || ev.Label != "Manual Lock" {
		t.Errorf("second event = %+v, want manual lock", ev)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event for state without action: %+v", ev)
	default:
	}
}

func TestZigbee2MQTT_Connectivity(t *testing.T) {
	f, p := newZ2MTest(t)

	conn := make(chan bool, 8)
	p.SubscribeConnectionEvents(func(c bool) { conn <- c })

	f.deliver("zigbee2mqtt/front_door/availability", map[string]any{"state": "offline"})
	if waitBool(t, conn) || p.IsConnected() {
		t.Fatal("device offline: want disconnected")
	}
	if err := p.Connect(context.Background()); !errors.Is(err, ErrTransient) {
		t.Errorf("Connect() while offline = %v, want ErrTransient", err)
	}

	f.deliver("zigbee2mqtt/front_door/availability", "online")
	if !waitBool(t, conn) || !p.IsConnected() {
		t.Fatal("device online: want connected")
	}

	f.setConnected(false)
	if waitBool(t, conn) {
		t.Fatal("broker lost: want disconnected")
	}
	f.setConnected(true)
	if !waitBool(t, conn) {
		t.Fatal("broker back: want connected")
	}
}
