package mqtt

import "fmt"

// Topics builds the topics this service publishes under a prefix.
type Topics struct {
	prefix string
}

// NewTopics returns topic builders rooted at prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = "lock-code-manager"
	}
	return Topics{prefix: prefix}
}

// Status carries the service online/offline state (retained, LWT).
func (t Topics) Status() string {
	return fmt.Sprintf("%s/status", t.prefix)
}

// LockStatus carries a lock's connectivity (retained).
func (t Topics) LockStatus(lockID string) string {
	return fmt.Sprintf("%s/lock/%s/status", t.prefix, lockID)
}

// SlotStatus carries a slot's active and synced state (retained).
func (t Topics) SlotStatus(lockID string, slot int) string {
	return fmt.Sprintf("%s/lock/%s/slot/%d", t.prefix, lockID, slot)
}

// Notification carries keypad activity.
func (t Topics) Notification(lockID string) string {
	return fmt.Sprintf("%s/lock/%s/notification", t.prefix, lockID)
}

// Diagnostic carries persistent failures.
func (t Topics) Diagnostic(lockID string) string {
	return fmt.Sprintf("%s/lock/%s/diagnostic", t.prefix, lockID)
}

// Zigbee2MQTT topics for one device under a bridge base topic.
type Zigbee2MQTT struct {
	Base   string
	Device string
}

func (z Zigbee2MQTT) State() string        { return fmt.Sprintf("%s/%s", z.Base, z.Device) }
func (z Zigbee2MQTT) Set() string          { return fmt.Sprintf("%s/%s/set", z.Base, z.Device) }
func (z Zigbee2MQTT) Get() string          { return fmt.Sprintf("%s/%s/get", z.Base, z.Device) }
func (z Zigbee2MQTT) Availability() string { return fmt.Sprintf("%s/%s/availability", z.Base, z.Device) }
func (z Zigbee2MQTT) BridgeState() string  { return fmt.Sprintf("%s/bridge/state", z.Base) }
