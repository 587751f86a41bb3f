package lock

import (
	"context"
	"strconv"
	"strings"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// DiscoveredLock represents a lock found during discovery, with the
// platform and parameters it would be managed with.
type DiscoveredLock struct {
	EntityID     string            `json:"entity_id"`
	Name         string            `json:"name"`
	Protocol     string            `json:"protocol"`
	SupportsPIN  bool              `json:"supports_pin"`
	Online       bool              `json:"online"`
	State        string            `json:"state"`
	BatteryLevel *int              `json:"battery_level,omitempty"`
	Platform     string            `json:"platform"`
	Params       map[string]string `json:"params"`
}

// Discovery provides lock discovery functionality.
type Discovery struct {
	haClient *HAClient
	zwave    config.ZWaveJSUIConfig
	mqtt     MQTTClient
}

// NewDiscovery creates a new lock discovery service. mqtt may be nil.
func NewDiscovery(haClient *HAClient, zwave config.ZWaveJSUIConfig, mqtt MQTTClient) *Discovery {
	return &Discovery{haClient: haClient, zwave: zwave, mqtt: mqtt}
}

// DiscoverLocks finds all lock entities in Home Assistant and suggests a
// direct platform where one is reachable.
func (d *Discovery) DiscoverLocks(ctx context.Context) ([]DiscoveredLock, error) {
	entities, err := d.haClient.GetLocks(ctx)
	if err != nil {
		return nil, err
	}

	zwaveAvailable := IsZWaveJSUIAvailable(ctx, d.zwave)
	zigbeeAvailable := IsZigbee2MQTTAvailable(d.mqtt)

	locks := make([]DiscoveredLock, 0, len(entities))
	for _, entity := range entities {
		nodeOnline := d.lookupNodeStatus(ctx, entity.EntityID)

		lock := DiscoveredLock{
			EntityID:     entity.EntityID,
			Name:         entity.FriendlyName(),
			Protocol:     detectProtocol(entity),
			SupportsPIN:  supportsPINCode(entity),
			Online:       entity.Available(),
			State:        normalizeState(entity.State),
			BatteryLevel: firstBattery(entity),
			Platform:     models.PlatformHomeAssistant,
			Params:       map[string]string{"entity_id": entity.EntityID},
		}
		if nodeOnline != nil {
			lock.Online = *nodeOnline
		}
		if lock.BatteryLevel == nil {
			lock.BatteryLevel = d.lookupBatterySensor(ctx, entity.EntityID)
		}

		// A node status sensor only exists for Z-Wave JS nodes.
		if lock.Protocol == "unknown" && nodeOnline != nil {
			lock.Protocol = "zwave"
		}

		switch lock.Protocol {
		case "zwave":
			if nodeID := nodeIDOf(entity); zwaveAvailable && nodeID != "" {
				lock.Platform = models.PlatformZWaveJS
				lock.Params = map[string]string{"node_id": nodeID}
			}
		case "zigbee":
			if zigbeeAvailable {
				lock.Platform = models.PlatformZigbee2MQTT
				lock.Params = map[string]string{"device": entity.FriendlyName()}
			}
		}

		locks = append(locks, lock)
	}

	return locks, nil
}

// detectProtocol infers the lock protocol from the entity metadata.
func detectProtocol(entity Entity) string {
	id := strings.ToLower(entity.EntityID)
	name := strings.ToLower(entity.FriendlyName())
	deviceClass := strings.ToLower(entity.DeviceClass())

	switch {
	case strings.Contains(id, "zwave") || strings.Contains(name, "z-wave") || strings.Contains(deviceClass, "zwave"):
		return "zwave"
	case strings.Contains(id, "zigbee") || strings.Contains(id, "z2m") || strings.Contains(deviceClass, "zigbee"):
		return "zigbee"
	case strings.Contains(id, "wifi") || strings.Contains(id, "august") || strings.Contains(id, "yale"):
		return "wifi"
	default:
		return "unknown"
	}
}

func normalizeState(state string) string {
	switch s := strings.ToLower(state); s {
	case "locked", "unlocked", "jammed":
		return s
	default:
		return "unknown"
	}
}

// supportsPINCode checks the supported_features bitmask. Bit 4 is user
// code management.
func supportsPINCode(entity Entity) bool {
	const userCodeFeature = 4
	return entity.SupportedFeatures()&userCodeFeature != 0
}

// nodeIDOf reads the Z-Wave node ID that zwave_js exposes as an attribute.
func nodeIDOf(entity Entity) string {
	if v := parseIntValue(entity.Attributes["node_id"]); v != nil && *v > 0 {
		return strconv.Itoa(*v)
	}
	return ""
}

func firstBattery(entity Entity) *int {
	if v := parseIntValue(entity.Attributes["battery"]); v != nil {
		return v
	}
	return parseIntValue(entity.Attributes["battery_level"])
}

// lookupBatterySensor tries companion sensors like sensor.<lock>_battery_level.
func (d *Discovery) lookupBatterySensor(ctx context.Context, lockEntityID string) *int {
	base := strings.TrimPrefix(lockEntityID, "lock.")
	for _, id := range []string{"sensor." + base + "_battery_level", "sensor." + base + "_battery"} {
		state, err := d.haClient.GetEntityState(ctx, id)
		if err != nil || state == nil {
			continue
		}
		if v := parseIntValue(state.Attributes["battery_level"]); v != nil {
			return v
		}
		if v := parseIntValue(state.State); v != nil {
			return v
		}
	}
	return nil
}

func parseIntValue(v any) *int {
	switch t := v.(type) {
	case float64:
		iv := int(t)
		return &iv
	case string:
		if iv, err := strconv.Atoi(t); err == nil {
			return &iv
		}
	}
	return nil
}

// lookupNodeStatus reads sensor.<lock>_node_status. Asleep battery nodes
// are reachable on wake-up and count as online.
func (d *Discovery) lookupNodeStatus(ctx context.Context, lockEntityID string) *bool {
	base := strings.TrimPrefix(lockEntityID, "lock.")
	state, err := d.haClient.GetEntityState(ctx, "sensor."+base+"_node_status")
	if err != nil || state == nil {
		return nil
	}

	var online bool
	switch strings.ToLower(state.State) {
	case "alive", "awake", "ready", "asleep", "sleeping":
		online = true
	case "dead":
		online = false
	default:
		return nil
	}
	return &online
}
