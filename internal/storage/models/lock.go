// Package models contains the domain models for the application.
package models

import (
	"time"
)

// Lock is a lock device whose code slots are under management.
type Lock struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Platform  string            `json:"platform"`
	Params    map[string]string `json:"params"`
	StartSlot int               `json:"start_slot"`
	SlotCount int               `json:"slot_count"`
	Status    ConnectionStatus  `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// EndSlot returns the last slot number in the managed range.
func (l *Lock) EndSlot() int {
	return l.StartSlot + l.SlotCount - 1
}

// HasSlot reports whether n lies within the managed range.
func (l *Lock) HasSlot(n int) bool {
	return n >= l.StartSlot && n <= l.EndSlot()
}

// SlotNumbers lists every managed slot number in ascending order.
func (l *Lock) SlotNumbers() []int {
	nums := make([]int, 0, l.SlotCount)
	for n := l.StartSlot; n <= l.EndSlot(); n++ {
		nums = append(nums, n)
	}
	return nums
}

// Param returns a provider parameter or def when unset.
func (l *Lock) Param(key, def string) string {
	if v, ok := l.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// ConnectionStatus is the provider session state of a lock.
type ConnectionStatus string

const (
	StatusConnected     ConnectionStatus = "connected"
	StatusConnecting    ConnectionStatus = "connecting"
	StatusDisconnected  ConnectionStatus = "disconnected"
	StatusDisconnecting ConnectionStatus = "disconnecting"
)

// Platform identifiers understood by the provider registry.
const (
	PlatformZWaveJS       = "zwave_js"
	PlatformZigbee2MQTT   = "zigbee2mqtt"
	PlatformHomeAssistant = "home_assistant"
	PlatformVirtual       = "virtual"
)
