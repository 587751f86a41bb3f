package lock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testNodeID = 7

// fakeZWaveServer speaks enough of the zwave-js-server protocol to drive
// the adapter: version greeting, start_listening, node.get_value and
// endpoint.invoke_cc_api on the User Code CC.
type fakeZWaveServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	codes       map[int]string
	nodeStatus  int
	ignoreClear bool
	authHeader  string
	conn        *websocket.Conn
	writeMu     sync.Mutex
}

func newFakeZWaveServer(t *testing.T) *fakeZWaveServer {
	t.Helper()
	f := &fakeZWaveServer{codes: make(map[int]string), nodeStatus: 4}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeZWaveServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeZWaveServer) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.authHeader = r.Header.Get("Authorization")
	f.mu.Unlock()

	f.send(map[string]any{"type": "version", "driverVersion": "12.4.0", "serverVersion": "1.35.0", "maxSchemaVersion": 35})

	for {
		var cmd map[string]any
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		f.handle(cmd)
	}
}

func (f *fakeZWaveServer) send(msg any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}

func (f *fakeZWaveServer) handle(cmd map[string]any) {
	msg := map[string]any{"type": "result", "messageId": cmd["messageId"], "success": true}
	result, errCode := f.apply(cmd)
	if errCode != "" {
		msg["success"] = false
		msg["errorCode"] = errCode
		msg["message"] = errCode
	} else {
		msg["result"] = result
	}
	f.send(msg)
}

func (f *fakeZWaveServer) apply(cmd map[string]any) (any, string) {
	if n, has := cmd["nodeId"].(float64); has && int(n) != testNodeID {
		return nil, "node_not_found"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd["command"] {
	case "set_api_schema":
		return map[string]any{}, ""
	case "start_listening":
		nodes := []map[string]any{{"nodeId": testNodeID, "status": f.nodeStatus}}
		return map[string]any{"state": map[string]any{"nodes": nodes}}, ""
	case "node.get_value":
		valueID := cmd["valueId"].(map[string]any)
		return map[string]any{"value": f.codes[int(valueID["propertyKey"].(float64))]}, ""
	case "endpoint.invoke_cc_api":
		args := cmd["args"].([]any)
		slot := int(args[0].(float64))
		switch cmd["methodName"] {
		case "set":
			code, _ := args[2].(string)
			if code == "bad" {
				return nil, "invalid_argument"
			}
			f.codes[slot] = code
		case "clear":
			if !f.ignoreClear {
				delete(f.codes, slot)
			}
		}
		return map[string]any{"response": nil}, ""
	default:
		return nil, "unknown_command"
	}
}

func (f *fakeZWaveServer) auth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authHeader
}

func (f *fakeZWaveServer) event(event map[string]any) {
	f.send(map[string]any{"type": "event", "event": event})
}

func connectZWave(t *testing.T, f *fakeZWaveServer, nodeID int) *ZWaveJSProvider {
	t.Helper()
	p := NewZWaveJSProvider(ZWaveJSOptions{
		URL:       f.url(),
		APIKey:    "secret",
		NodeID:    nodeID,
		StartSlot: 1,
		SlotCount: 3,
		Timeout:   2 * time.Second,
	}, nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestZWaveJS_ReadWrite(t *testing.T) {
	f := newFakeZWaveServer(t)
	f.codes[3] = "0000"
	p := connectZWave(t, f, testNodeID)
	ctx := context.Background()

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !p.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if got := f.auth(); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if err := p.Connect(ctx); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}

	if err := p.SetUserCode(ctx, 1, "4821", "Cleaner"); err != nil {
		t.Fatalf("SetUserCode() error = %v", err)
	}

	codes, err := p.GetUserCodes(ctx)
	if err != nil {
		t.Fatalf("GetUserCodes() error = %v", err)
	}
	slots := ByNumber(codes)
	if len(codes) != 3 || slots[1].Code != "4821" || !slots[1].InUse {
		t.Errorf("GetUserCodes() = %+v", codes)
	}
	if slots[3].InUse {
		t.Errorf("slot 3 with all-zero code reported in use")
	}

	if err := p.ClearUserCode(ctx, 1); err != nil {
		t.Fatalf("ClearUserCode() error = %v", err)
	}
	if err := p.SetUserCode(ctx, 2, "bad", ""); !errors.Is(err, ErrRejected) {
		t.Errorf("SetUserCode(bad) = %v, want ErrRejected", err)
	}
}

func TestZWaveJS_ClearVerified(t *testing.T) {
	f := newFakeZWaveServer(t)
	f.codes[2] = "1111"
	f.ignoreClear = true
	p := connectZWave(t, f, testNodeID)
	ctx := context.Background()

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := p.ClearUserCode(ctx, 2); !errors.Is(err, ErrTransient) {
		t.Errorf("ClearUserCode() = %v, want ErrTransient", err)
	}
}

func TestZWaveJS_MissingNode(t *testing.T) {
	f := newFakeZWaveServer(t)
	p := connectZWave(t, f, 99)

	if err := p.Connect(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect() = %v, want ErrNotFound", err)
	}
	if p.IsConnected() {
		t.Error("IsConnected() = true for missing node")
	}
}

func TestZWaveJS_DeadNode(t *testing.T) {
	f := newFakeZWaveServer(t)
	f.nodeStatus = nodeStatusDead
	p := connectZWave(t, f, testNodeID)

	conn := make(chan bool, 4)
	p.SubscribeConnectionEvents(func(c bool) { conn <- c })

	if err := p.Connect(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("Connect() = %v, want ErrTransient", err)
	}
	if _, err := p.GetUserCodes(context.Background()); !errors.Is(err, ErrTransient) {
		t.Errorf("GetUserCodes() on dead node = %v, want ErrTransient", err)
	}

	f.event(map[string]any{"source": "node", "event": "alive", "nodeId": testNodeID})
	if got := waitBool(t, conn); !got {
		t.Fatalf("connection event = %v, want true", got)
	}
	if !p.IsConnected() {
		t.Error("IsConnected() = false after alive event")
	}
}

func TestZWaveJS_Events(t *testing.T) {
	f := newFakeZWaveServer(t)
	p := connectZWave(t, f, testNodeID)

	events := make(chan LockEvent, 4)
	conn := make(chan bool, 4)
	p.SubscribeLockEvents(func(ev LockEvent) { events <- ev })
	p.SubscribeConnectionEvents(func(c bool) { conn <- c })

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Another node's events are ignored.
	f.event(map[string]any{"source": "node", "event": "dead", "nodeId": testNodeID + 1})
	f.event(map[string]any{
		"source": "node", "event": "notification", "nodeId": testNodeID, "ccId": ccNotification,
		"args": map[string]any{"type": 6, "event": 6, "parameters": map[string]any{"userId": 3}},
	})
	f.event(map[string]any{
		"source": "node", "event": "notification", "nodeId": testNodeID, "ccId": ccNotification,
		"args": map[string]any{"alarmType": 21, "alarmLevel": 1},
	})

	ev := waitEvent(t, events)
	if ev.Slot != 3 || !ev.KeypadUnlock || ev.Label != "Keypad Unlock" || ev.ActionCode != 6 || len(ev.Raw) == 0 {
		t.Errorf("first event = %+v, want keypad unlock on slot 3", ev)
	}
	ev = waitEvent(t, events)
	if ev.KeypadUnlock || ev.Slot != 0 || ev.Label != "Manual Lock" {
		t.Errorf("second event = %+v, want non-qualifying manual lock", ev)
	}

	f.event(map[string]any{"source": "node", "event": "dead", "nodeId": testNodeID})
	if got := waitBool(t, conn); got {
		t.Fatal("connection event = true, want false after dead")
	}

	f.event(map[string]any{"source": "node", "event": "wake up", "nodeId": testNodeID})
	if got := waitBool(t, conn); !got {
		t.Fatal("connection event = false, want true after wake up")
	}

	f.srv.CloseClientConnections()
	if got := waitBool(t, conn); got {
		t.Fatal("connection event = true, want false after socket loss")
	}
	if p.IsConnected() {
		t.Error("IsConnected() = true after socket loss")
	}
}

func TestZWaveErrorClassification(t *testing.T) {
	tests := map[string]Kind{
		"node_not_found":   KindNotFound,
		"invalid_argument": KindRejected,
		"zwave_error":      KindTransient,
		"":                 KindTransient,
	}
	for code, want := range tests {
		err := zwaveError("set_user_code", 1, zwaveMessage{ErrorCode: code})
		if got := KindOf(err); got != want {
			t.Errorf("zwaveError(%q) kind = %v, want %v", code, got, want)
		}
	}
}

func waitEvent(t *testing.T, ch <-chan LockEvent) LockEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock event")
		return LockEvent{}
	}
}

func waitBool(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return false
	}
}
