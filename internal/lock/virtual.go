package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/lock-code-manager/backend/internal/storage/models"
)

// VirtualProvider is an in-memory lock. It supports push events and
// connection status, and lets callers simulate keypad use and outages.
type VirtualProvider struct {
	subscribers

	start int
	count int

	mu        sync.Mutex
	codes     map[int]string
	names     map[int]string
	connected bool
	online    bool
}

func newVirtualProvider(lock models.Lock, _ Deps) (Provider, error) {
	return NewVirtualProvider(lock), nil
}

// NewVirtualProvider creates an online virtual lock covering lock's slots.
func NewVirtualProvider(lock models.Lock) *VirtualProvider {
	return &VirtualProvider{
		start:  lock.StartSlot,
		count:  lock.SlotCount,
		codes:  make(map[int]string),
		names:  make(map[int]string),
		online: true,
	}
}

func (v *VirtualProvider) Platform() string { return models.PlatformVirtual }

func (v *VirtualProvider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Classify("connect", 0, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.online {
		return Transient("connect", 0, errors.New("virtual lock offline"))
	}
	v.connected = true
	return nil
}

func (v *VirtualProvider) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected && v.online
}

func (v *VirtualProvider) GetUserCodes(ctx context.Context) ([]CodeSlot, error) {
	if err := v.ready(ctx, "get_user_codes", 0); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]CodeSlot, 0, v.count)
	for n := v.start; n < v.start+v.count; n++ {
		code := v.codes[n]
		out = append(out, CodeSlot{Number: n, Code: code, InUse: code != "", Name: v.names[n]})
	}
	return out, nil
}

func (v *VirtualProvider) SetUserCode(ctx context.Context, slot int, code, name string) error {
	if err := v.ready(ctx, "set_user_code", slot); err != nil {
		return err
	}
	if code == "" {
		return Rejected("set_user_code", slot, errors.New("empty code"))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.codes[slot] = code
	v.names[slot] = name
	return nil
}

func (v *VirtualProvider) ClearUserCode(ctx context.Context, slot int) error {
	if err := v.ready(ctx, "clear_user_code", slot); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.codes, slot)
	delete(v.names, slot)
	return nil
}

func (v *VirtualProvider) ready(ctx context.Context, op string, slot int) error {
	if err := ctx.Err(); err != nil {
		return Classify(op, slot, err)
	}
	if !v.IsConnected() {
		return Transient(op, slot, errors.New("virtual lock offline"))
	}
	if slot != 0 && (slot < v.start || slot >= v.start+v.count) {
		return NotFound(op, slot, errors.New("slot out of range"))
	}
	return nil
}

func (v *VirtualProvider) Close() error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

// Code returns the code currently stored in slot.
func (v *VirtualProvider) Code(slot int) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.codes[slot]
}

// PressKeypad simulates a keypad unlock with the code in slot.
func (v *VirtualProvider) PressKeypad(slot int) {
	label, keypad := accessControlActivity(accessControlKeypadUnlock)
	v.emitLock(LockEvent{Slot: slot, Label: label, ActionCode: accessControlKeypadUnlock, KeypadUnlock: keypad})
}

// SetOnline simulates the lock dropping off or rejoining the network.
func (v *VirtualProvider) SetOnline(online bool) {
	v.mu.Lock()
	changed := v.online != online
	v.online = online
	if online {
		v.connected = true
	}
	v.mu.Unlock()

	if changed {
		v.emitConnection(online)
	}
}
