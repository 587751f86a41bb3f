// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/reconcile"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
	"github.com/lock-code-manager/backend/internal/websocket"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.HealthCheck(r.Context()) == nil

		response := HealthResponse{Status: "healthy", DBConnected: dbConnected}
		status := http.StatusOK
		if !dbConnected {
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Version              string `json:"version"`
	AutomationEnabled    bool   `json:"automation_enabled"`
	HAConfigured         bool   `json:"ha_configured"`
	ZWaveJSUIAvailable   bool   `json:"zwave_js_ui_available"`
	Zigbee2MQTTAvailable bool   `json:"zigbee2mqtt_available"`
	LocksCount           int    `json:"locks_count"`
	LocksConnected       int    `json:"locks_connected"`
	ActiveSlots          int    `json:"active_slots"`
	FailedSlots          int    `json:"failed_slots"`
	PendingSlots         int    `json:"pending_slots"`
	WebSocketClients     int    `json:"websocket_clients"`
}

// Status returns a handler that provides system status information. mqtt
// may be nil when no broker is configured.
func Status(cfg *config.Config, mgr *reconcile.Manager, hub *websocket.Hub, mqtt lock.MQTTClient, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := StatusResponse{
			Version:              version,
			AutomationEnabled:    mgr.Enabled(),
			HAConfigured:         cfg.HomeAssistant.URL != "" && cfg.HomeAssistant.AuthToken() != "",
			ZWaveJSUIAvailable:   cfg.ZWaveJSUI.URL != "" && lock.IsZWaveJSUIAvailable(r.Context(), cfg.ZWaveJSUI),
			Zigbee2MQTTAvailable: lock.IsZigbee2MQTTAvailable(mqtt),
			WebSocketClients:     hub.ClientCount(),
		}

		for _, st := range mgr.Statuses() {
			response.LocksCount++
			if st.Connected {
				response.LocksConnected++
			}
			for _, s := range st.Slots {
				if s.Active {
					response.ActiveSlots++
				}
				switch s.SyncState {
				case models.SyncFailed:
					response.FailedSlots++
				case models.SyncUnsynced, models.SyncSyncing:
					response.PendingSlots++
				}
			}
		}

		writeJSON(w, http.StatusOK, response)
	}
}
