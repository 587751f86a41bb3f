package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

const (
	zwaveSchemaVersion = 32
	ccUserCode         = 99
	ccNotification     = 113
	nodeStatusDead     = 3
)

// ZWaveJSOptions configures a Z-Wave JS session for one node.
type ZWaveJSOptions struct {
	URL       string
	APIKey    string
	NodeID    int
	StartSlot int
	SlotCount int
	Timeout   time.Duration
}

// ZWaveJSProvider keeps a websocket session to zwave-js-server (or Z-Wave JS
// UI) and drives the User Code CC of one node. Node notifications are pushed
// as lock events; node dead/alive events drive connectivity.
type ZWaveJSProvider struct {
	subscribers

	opts   ZWaveJSOptions
	logger *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan zwaveResult
	nextID    uint64
	nodeAlive bool

	writeMu sync.Mutex
}

func newZWaveJSProvider(lock models.Lock, deps Deps) (Provider, error) {
	nodeID, err := strconv.Atoi(lock.Param("node_id", ""))
	if err != nil || nodeID <= 0 {
		return nil, fmt.Errorf("zwave_js lock %q: params.node_id must be a positive integer", lock.Name)
	}

	return NewZWaveJSProvider(ZWaveJSOptions{
		URL:       lock.Param("url", deps.Config.ZWaveJSUI.URL),
		APIKey:    lock.Param("api_key", deps.Config.ZWaveJSUI.APIKey),
		NodeID:    nodeID,
		StartSlot: lock.StartSlot,
		SlotCount: lock.SlotCount,
		Timeout:   deps.Config.Sync.OperationTimeout,
	}, deps.Logger), nil
}

// NewZWaveJSProvider creates a provider. It does not dial until Connect.
func NewZWaveJSProvider(opts ZWaveJSOptions, logger *logging.Logger) *ZWaveJSProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ZWaveJSProvider{
		opts:    opts,
		logger:  logger.With("component", "zwave_js", "node_id", opts.NodeID),
		pending: make(map[string]chan zwaveResult),
	}
}

type zwaveMessage struct {
	Type           string          `json:"type"`
	MessageID      string          `json:"messageId"`
	Success        bool            `json:"success"`
	ErrorCode      string          `json:"errorCode"`
	Message        string          `json:"message"`
	ZWaveErrorCode int             `json:"zwaveErrorCode"`
	Result         json.RawMessage `json:"result"`
	Event          json.RawMessage `json:"event"`
}

type zwaveResult struct {
	msg zwaveMessage
	err error
}

type zwaveEvent struct {
	Source string `json:"source"`
	Event  string `json:"event"`
	NodeID int    `json:"nodeId"`
	CCID   int    `json:"ccId"`
	Args   struct {
		Type       int            `json:"type"`
		Event      int            `json:"event"`
		AlarmType  *int           `json:"alarmType"`
		AlarmLevel int            `json:"alarmLevel"`
		Parameters map[string]any `json:"parameters"`
	} `json:"args"`
}

type zwaveNode struct {
	NodeID int `json:"nodeId"`
	Status int `json:"status"`
}

func (p *ZWaveJSProvider) Platform() string { return models.PlatformZWaveJS }

// Connect opens the session, negotiates the API schema and starts listening.
// A dead node keeps the session open so its alive event can be observed.
func (p *ZWaveJSProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	open, alive := p.conn != nil, p.nodeAlive
	p.mu.Unlock()
	if open {
		if !alive {
			return Transient("connect", 0, errors.New("node is dead"))
		}
		return nil
	}

	header := http.Header{}
	if p.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.opts.URL, header)
	if err != nil {
		return Classify("connect", 0, fmt.Errorf("dial %s: %w", p.opts.URL, err))
	}

	deadline := time.Now().Add(p.opts.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	var hello zwaveMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return Classify("connect", 0, fmt.Errorf("read server version: %w", err))
	}
	if hello.Type != "version" {
		conn.Close()
		return Transient("connect", 0, fmt.Errorf("unexpected greeting %q", hello.Type))
	}
	_ = conn.SetReadDeadline(time.Time{})

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	go p.readLoop(conn)

	if _, err := p.call(ctx, "connect", 0, map[string]any{
		"command":       "set_api_schema",
		"schemaVersion": zwaveSchemaVersion,
	}); err != nil {
		p.drop(conn, err)
		return err
	}

	raw, err := p.call(ctx, "connect", 0, map[string]any{"command": "start_listening"})
	if err != nil {
		p.drop(conn, err)
		return err
	}

	var state struct {
		State struct {
			Nodes []zwaveNode `json:"nodes"`
		} `json:"state"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		p.drop(conn, err)
		return Transient("connect", 0, fmt.Errorf("decode network state: %w", err))
	}

	for _, n := range state.State.Nodes {
		if n.NodeID != p.opts.NodeID {
			continue
		}
		p.setAlive(n.Status != nodeStatusDead)
		if n.Status == nodeStatusDead {
			return Transient("connect", 0, errors.New("node is dead"))
		}
		p.logger.Info("connected to zwave-js server", "url", p.opts.URL)
		return nil
	}

	p.drop(conn, errors.New("node missing"))
	return NotFound("connect", 0, fmt.Errorf("node %d is not in the network", p.opts.NodeID))
}

func (p *ZWaveJSProvider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.nodeAlive
}

func (p *ZWaveJSProvider) GetUserCodes(ctx context.Context) ([]CodeSlot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	out := make([]CodeSlot, 0, p.opts.SlotCount)
	for n := p.opts.StartSlot; n < p.opts.StartSlot+p.opts.SlotCount; n++ {
		code, err := p.readUserCode(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, CodeSlot{Number: n, Code: code, InUse: !isCleared(code)})
	}
	return out, nil
}

func (p *ZWaveJSProvider) readUserCode(ctx context.Context, slot int) (string, error) {
	raw, err := p.call(ctx, "get_user_codes", slot, map[string]any{
		"command": "node.get_value",
		"nodeId":  p.opts.NodeID,
		"valueId": map[string]any{
			"commandClass": ccUserCode,
			"endpoint":     0,
			"property":     "userCode",
			"propertyKey":  slot,
		},
	})
	if err != nil {
		return "", err
	}

	var res struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", Transient("get_user_codes", slot, fmt.Errorf("decode value: %w", err))
	}
	code, _ := res.Value.(string)
	return code, nil
}

func (p *ZWaveJSProvider) SetUserCode(ctx context.Context, slot int, code, _ string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	// 1 = enabled/in use.
	_, err := p.invoke(ctx, "set_user_code", slot, "set", []any{slot, 1, code})
	return err
}

// ClearUserCode clears slot and reads it back. Some locks acknowledge the
// clear without applying it, which surfaces here as a transient failure.
func (p *ZWaveJSProvider) ClearUserCode(ctx context.Context, slot int) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	if _, err := p.invoke(ctx, "clear_user_code", slot, "clear", []any{slot}); err != nil {
		return err
	}

	code, err := p.readUserCode(ctx, slot)
	if err != nil {
		return err
	}
	if !isCleared(code) {
		return Transient("clear_user_code", slot, errors.New("code still present after clear"))
	}
	return nil
}

func (p *ZWaveJSProvider) invoke(ctx context.Context, op string, slot int, method string, args []any) (json.RawMessage, error) {
	return p.call(ctx, op, slot, map[string]any{
		"command":      "endpoint.invoke_cc_api",
		"nodeId":       p.opts.NodeID,
		"endpoint":     0,
		"commandClass": ccUserCode,
		"methodName":   method,
		"args":         args,
	})
}

func (p *ZWaveJSProvider) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	p.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()

	p.drop(conn, errors.New("closed"))
	return nil
}

// call sends one command and waits for its result.
func (p *ZWaveJSProvider) call(ctx context.Context, op string, slot int, cmd map[string]any) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	p.nextID++
	id := strconv.FormatUint(p.nextID, 10)
	ch := make(chan zwaveResult, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	cmd["messageId"] = id

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	p.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	err := conn.WriteJSON(cmd)
	p.writeMu.Unlock()
	if err != nil {
		p.forget(id)
		return nil, Classify(op, slot, fmt.Errorf("send %v: %w", cmd["command"], err))
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if !r.msg.Success {
			return nil, zwaveError(op, slot, r.msg)
		}
		return r.msg.Result, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, Classify(op, slot, ctx.Err())
	}
}

func (p *ZWaveJSProvider) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// zwaveError classifies a failed command result.
func zwaveError(op string, slot int, msg zwaveMessage) error {
	err := fmt.Errorf("%s: %s", msg.ErrorCode, msg.Message)
	switch msg.ErrorCode {
	case "node_not_found", "endpoint_not_found", "virtual_endpoint_not_found":
		return NotFound(op, slot, err)
	case "invalid_argument", "unknown_command", "schema_incompatible", "not_supported":
		return Rejected(op, slot, err)
	default:
		return Transient(op, slot, err)
	}
}

func (p *ZWaveJSProvider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.drop(conn, err)
			return
		}

		var msg zwaveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("discarding malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "result":
			p.mu.Lock()
			ch, ok := p.pending[msg.MessageID]
			delete(p.pending, msg.MessageID)
			p.mu.Unlock()
			if ok {
				ch <- zwaveResult{msg: msg}
			}
		case "event":
			p.handleEvent(msg.Event)
		}
	}
}

func (p *ZWaveJSProvider) handleEvent(raw json.RawMessage) {
	var ev zwaveEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		p.logger.Warn("discarding malformed event", "error", err)
		return
	}
	if ev.Source != "node" || ev.NodeID != p.opts.NodeID {
		return
	}

	switch ev.Event {
	case "dead":
		p.setAlive(false)
	case "alive", "wake up":
		p.setAlive(true)
	case "notification":
		if ev.CCID != ccNotification {
			return
		}
		if lev, ok := notificationEvent(ev); ok {
			lev.Raw = raw
			p.emitLock(lev)
		}
	}
}

// notificationEvent translates a Notification CC event. Both the V2+
// Access Control form and the legacy alarmType/alarmLevel form are handled.
func notificationEvent(ev zwaveEvent) (LockEvent, bool) {
	if ev.Args.AlarmType != nil {
		label, keypad := alarmTypeActivity(*ev.Args.AlarmType)
		lev := LockEvent{Label: label, ActionCode: *ev.Args.AlarmType, KeypadUnlock: keypad}
		if keypad {
			lev.Slot = ev.Args.AlarmLevel
		}
		return lev, true
	}

	if ev.Args.Type != notificationTypeAccessControl {
		return LockEvent{}, false
	}
	label, keypad := accessControlActivity(ev.Args.Event)
	lev := LockEvent{Label: label, ActionCode: ev.Args.Event, KeypadUnlock: keypad}
	if userID, ok := ev.Args.Parameters["userId"].(float64); ok {
		lev.Slot = int(userID)
	}
	return lev, true
}

func (p *ZWaveJSProvider) setAlive(alive bool) {
	p.mu.Lock()
	was := p.conn != nil && p.nodeAlive
	p.nodeAlive = alive
	now := p.conn != nil && alive
	p.mu.Unlock()

	if was != now {
		p.logger.Info("node connectivity changed", "connected", now)
		p.emitConnection(now)
	}
}

// drop tears down conn if it is still current and fails pending calls.
func (p *ZWaveJSProvider) drop(conn *websocket.Conn, cause error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	was := p.nodeAlive
	p.conn = nil
	p.nodeAlive = false
	pending := p.pending
	p.pending = make(map[string]chan zwaveResult)
	p.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- zwaveResult{err: Transient("call", 0, fmt.Errorf("connection lost: %w", cause))}
	}

	if was {
		p.logger.Warn("zwave-js session closed", "error", cause)
		p.emitConnection(false)
	}
}
