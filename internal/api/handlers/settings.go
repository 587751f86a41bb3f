package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lock-code-manager/backend/internal/api/middleware"
	"github.com/lock-code-manager/backend/internal/reconcile"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/websocket"
)

// SettingsResponse represents settings in API responses.
type SettingsResponse struct {
	AutomationEnabled bool `json:"automation_enabled"`
}

// SettingsRequest is the body of a settings update. Omitted fields are left
// unchanged.
type SettingsRequest struct {
	AutomationEnabled *bool `json:"automation_enabled"`
}

// GetSettings returns the runtime settings.
func GetSettings(mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, SettingsResponse{AutomationEnabled: mgr.Enabled()})
	}
}

// UpdateSettings persists settings and applies them to the running
// controllers.
func UpdateSettings(settings *storage.SettingsRepository, mgr *reconcile.Manager, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		if req.AutomationEnabled != nil {
			enabled := *req.AutomationEnabled
			if err := settings.Set(r.Context(), storage.SettingAutomationEnabled, strconv.FormatBool(enabled)); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update settings")
				return
			}
			if enabled != mgr.Enabled() {
				mgr.SetEnabled(enabled)
				broadcaster.BroadcastAutomationChanged(enabled)
			}
		}

		writeJSON(w, http.StatusOK, SettingsResponse{AutomationEnabled: mgr.Enabled()})
	}
}
