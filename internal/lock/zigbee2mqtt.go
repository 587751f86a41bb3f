package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/mqtt"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// MQTTClient is the subset of the broker session the zigbee2mqtt adapter uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	AddConnectionListener(fn func(connected bool)) (remove func())
}

// Zigbee2MQTTOptions configures one zigbee2mqtt lock.
type Zigbee2MQTTOptions struct {
	BaseTopic string
	Device    string
	QoS       byte
	StartSlot int
	SlotCount int
	Timeout   time.Duration
}

// Zigbee2MQTTProvider manages PIN codes of a zigbee lock exposed by
// zigbee2mqtt. Codes come back in the device's "users" state attribute.
type Zigbee2MQTTProvider struct {
	subscribers

	opts   Zigbee2MQTTOptions
	topics mqtt.Zigbee2MQTT
	client MQTTClient
	logger *logging.Logger

	mu             sync.Mutex
	subscribed     bool
	available      bool
	reported       bool
	removeListener func()
	codes          map[int]string
	seen           map[int]uint64
	gen            uint64
	updated        chan struct{}
}

func newZigbee2MQTTProvider(lock models.Lock, deps Deps) (Provider, error) {
	if deps.MQTT == nil {
		return nil, fmt.Errorf("zigbee2mqtt lock %q: mqtt is not enabled", lock.Name)
	}
	device := lock.Param("device", "")
	if device == "" {
		return nil, fmt.Errorf("zigbee2mqtt lock %q: params.device is required", lock.Name)
	}

	return NewZigbee2MQTTProvider(deps.MQTT, Zigbee2MQTTOptions{
		BaseTopic: lock.Param("base_topic", deps.Config.Zigbee2MQTT.BaseTopic),
		Device:    device,
		QoS:       byte(deps.Config.MQTT.QoS),
		StartSlot: lock.StartSlot,
		SlotCount: lock.SlotCount,
		Timeout:   deps.Config.Sync.OperationTimeout,
	}, deps.Logger), nil
}

// NewZigbee2MQTTProvider creates a provider on an existing broker session.
func NewZigbee2MQTTProvider(client MQTTClient, opts Zigbee2MQTTOptions, logger *logging.Logger) *Zigbee2MQTTProvider {
	if opts.BaseTopic == "" {
		opts.BaseTopic = "zigbee2mqtt"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Zigbee2MQTTProvider{
		opts:      opts,
		topics:    mqtt.Zigbee2MQTT{Base: opts.BaseTopic, Device: opts.Device},
		client:    client,
		logger:    logger.With("component", "zigbee2mqtt", "device", opts.Device),
		available: true,
		codes:     make(map[int]string),
		seen:      make(map[int]uint64),
		updated:   make(chan struct{}),
	}
}

func (p *Zigbee2MQTTProvider) Platform() string { return models.PlatformZigbee2MQTT }

// Connect subscribes to the device topics. The device counts as available
// until zigbee2mqtt reports it offline.
func (p *Zigbee2MQTTProvider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Classify("connect", 0, err)
	}
	if !p.client.IsConnected() {
		return Transient("connect", 0, errors.New("mqtt broker not connected"))
	}

	p.mu.Lock()
	subscribed := p.subscribed
	p.mu.Unlock()

	if !subscribed {
		if err := p.client.Subscribe(p.topics.State(), p.opts.QoS, p.handleState); err != nil {
			return Transient("connect", 0, err)
		}
		if err := p.client.Subscribe(p.topics.Availability(), p.opts.QoS, p.handleAvailability); err != nil {
			_ = p.client.Unsubscribe(p.topics.State())
			return Transient("connect", 0, err)
		}
		remove := p.client.AddConnectionListener(p.handleBroker)

		p.mu.Lock()
		p.subscribed = true
		p.removeListener = remove
		p.reported = p.available
		p.mu.Unlock()
		p.logger.Info("subscribed to zigbee2mqtt device", "topic", p.topics.State())
	}

	if !p.IsConnected() {
		return Transient("connect", 0, errors.New("device offline"))
	}
	return nil
}

func (p *Zigbee2MQTTProvider) IsConnected() bool {
	p.mu.Lock()
	ok := p.subscribed && p.available
	p.mu.Unlock()
	return ok && p.client.IsConnected()
}

// GetUserCodes requests each slot and waits for the state update that
// carries it.
func (p *Zigbee2MQTTProvider) GetUserCodes(ctx context.Context) ([]CodeSlot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	out := make([]CodeSlot, 0, p.opts.SlotCount)
	for n := p.opts.StartSlot; n < p.opts.StartSlot+p.opts.SlotCount; n++ {
		code, err := p.readSlot(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, CodeSlot{Number: n, Code: code, InUse: !isCleared(code)})
	}
	return out, nil
}

func (p *Zigbee2MQTTProvider) readSlot(ctx context.Context, slot int) (string, error) {
	p.mu.Lock()
	since := p.gen
	p.mu.Unlock()

	if err := p.publish(p.topics.Get(), map[string]any{
		"pin_code": map[string]any{"user": slot},
	}); err != nil {
		return "", Transient("get_user_codes", slot, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	err := p.waitFor(ctx, func() bool { return p.seen[slot] > since })
	if err != nil {
		return "", Classify("get_user_codes", slot, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codes[slot], nil
}

func (p *Zigbee2MQTTProvider) SetUserCode(ctx context.Context, slot int, code, _ string) error {
	if err := ctx.Err(); err != nil {
		return Classify("set_user_code", slot, err)
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}
	if code == "" {
		return Rejected("set_user_code", slot, errors.New("empty code"))
	}

	err := p.publish(p.topics.Set(), map[string]any{
		"pin_code": map[string]any{
			"user":         slot,
			"user_type":    "unrestricted",
			"user_enabled": true,
			"pin_code":     code,
		},
	})
	if err != nil {
		return Transient("set_user_code", slot, err)
	}
	return nil
}

func (p *Zigbee2MQTTProvider) ClearUserCode(ctx context.Context, slot int) error {
	if err := ctx.Err(); err != nil {
		return Classify("clear_user_code", slot, err)
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}

	err := p.publish(p.topics.Set(), map[string]any{
		"pin_code": map[string]any{"user": slot, "pin_code": nil},
	})
	if err != nil {
		return Transient("clear_user_code", slot, err)
	}
	return nil
}

func (p *Zigbee2MQTTProvider) Close() error {
	p.mu.Lock()
	subscribed := p.subscribed
	remove := p.removeListener
	p.subscribed = false
	p.removeListener = nil
	p.reported = false
	p.mu.Unlock()

	if remove != nil {
		remove()
	}
	if !subscribed {
		return nil
	}
	// Unsubscribe fails when the broker is already gone; the session is
	// being torn down either way.
	_ = p.client.Unsubscribe(p.topics.State())
	_ = p.client.Unsubscribe(p.topics.Availability())
	return nil
}

func (p *Zigbee2MQTTProvider) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(topic, data, p.opts.QoS, false)
}

func (p *Zigbee2MQTTProvider) waitFor(ctx context.Context, cond func() bool) error {
	for {
		p.mu.Lock()
		ok := cond()
		ch := p.updated
		p.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type z2mUser struct {
	Status  string  `json:"status"`
	PINCode *string `json:"pin_code"`
}

type z2mState struct {
	Users            map[string]z2mUser `json:"users"`
	Action           string             `json:"action"`
	ActionSourceName string             `json:"action_source_name"`
	ActionUser       *int               `json:"action_user"`
}

func (p *Zigbee2MQTTProvider) handleState(_ string, payload []byte) error {
	var st z2mState
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	if len(st.Users) > 0 {
		p.mu.Lock()
		p.gen++
		for key, u := range st.Users {
			n, err := strconv.Atoi(key)
			if err != nil {
				continue
			}
			code := ""
			if u.PINCode != nil && u.Status != "available" && u.Status != "disabled" {
				code = *u.PINCode
			}
			p.codes[n] = code
			p.seen[n] = p.gen
		}
		close(p.updated)
		p.updated = make(chan struct{})
		p.mu.Unlock()
	}

	if ev, ok := z2mActivity(st); ok {
		ev.Raw = payload
		p.emitLock(ev)
	}
	return nil
}

// z2mActivity translates the action attributes of a state message.
func z2mActivity(st z2mState) (LockEvent, bool) {
	if st.Action == "" {
		return LockEvent{}, false
	}

	var label string
	if st.ActionSourceName != "" {
		label = titleWord(st.ActionSourceName) + " " + titleWord(st.Action)
	} else {
		label = titleWord(st.Action)
	}

	ev := LockEvent{Label: label}
	if st.Action == "unlock" && st.ActionSourceName == "keypad" && st.ActionUser != nil {
		ev.KeypadUnlock = true
		ev.ActionCode = accessControlKeypadUnlock
		ev.Slot = *st.ActionUser
	}
	return ev, true
}

func titleWord(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "rf" || s == "rfid" {
		return strings.ToUpper(s)
	}
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (p *Zigbee2MQTTProvider) handleAvailability(_ string, payload []byte) error {
	state := strings.TrimSpace(string(payload))
	var obj struct {
		State string `json:"state"`
	}
	if json.Unmarshal(payload, &obj) == nil && obj.State != "" {
		state = obj.State
	}

	p.transition(func() { p.available = state == "online" })
	return nil
}

func (p *Zigbee2MQTTProvider) handleBroker(bool) {
	p.transition(func() {})
}

// transition applies change and emits a connection event when the
// combined broker and device connectivity flips.
func (p *Zigbee2MQTTProvider) transition(change func()) {
	p.mu.Lock()
	change()
	p.mu.Unlock()

	now := p.IsConnected()

	p.mu.Lock()
	flipped := now != p.reported
	p.reported = now
	p.mu.Unlock()

	if flipped {
		p.logger.Info("device connectivity changed", "connected", now)
		p.emitConnection(now)
	}
}
