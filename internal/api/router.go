// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lock-code-manager/backend/internal/api/handlers"
	"github.com/lock-code-manager/backend/internal/api/middleware"
	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/reconcile"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/websocket"
)

// Services holds what the handlers need.
type Services struct {
	Config      *config.Config
	DB          *storage.DB
	Locks       *storage.LockRepository
	Slots       *storage.SlotRepository
	Settings    *storage.SettingsRepository
	Manager     *reconcile.Manager
	Registry    *lock.Registry
	Hub         *websocket.Hub
	Broadcaster *websocket.EventBroadcaster
	// MQTT is nil when no broker is configured.
	MQTT    lock.MQTTClient
	Logger  *logging.Logger
	Version string
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services) *mux.Router {
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("component", "api")

	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging(logger))
	r.Use(middleware.ErrorRecovery(logger))

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(s.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(s.Config, s.Manager, s.Hub, s.MQTT, s.Version)).Methods("GET")
	api.HandleFunc("/platforms", handlers.ListPlatforms(s.Registry)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub, logger)).Methods("GET")

	// Lock endpoints
	api.HandleFunc("/locks", handlers.ListLocks(s.Locks, s.Manager)).Methods("GET")
	api.HandleFunc("/locks", handlers.CreateLock(s.Locks, s.Manager, s.Registry, logger)).Methods("POST")
	api.HandleFunc("/locks/discover", handlers.DiscoverLocks(s.Config, s.MQTT, s.Locks, s.Manager, logger)).Methods("POST")
	api.HandleFunc("/locks/{id}", handlers.GetLock(s.Locks, s.Manager)).Methods("GET")
	api.HandleFunc("/locks/{id}", handlers.UpdateLock(s.Locks, s.Manager, s.Registry, logger)).Methods("PUT")
	api.HandleFunc("/locks/{id}", handlers.DeleteLock(s.Locks, s.Manager)).Methods("DELETE")
	api.HandleFunc("/locks/{id}/status", handlers.GetLockStatus(s.Manager)).Methods("GET")
	api.HandleFunc("/locks/{id}/refresh", handlers.RefreshLock(s.Manager)).Methods("POST")
	api.HandleFunc("/locks/{id}/reset", handlers.ResetLock(s.Locks, s.Slots, s.Manager)).Methods("POST")

	// Slot endpoints
	api.HandleFunc("/locks/{id}/slots", handlers.ListSlots(s.Locks, s.Slots)).Methods("GET")
	api.HandleFunc("/locks/{id}/slots/{slot:[0-9]+}", handlers.GetSlot(s.Slots)).Methods("GET")
	api.HandleFunc("/locks/{id}/slots/{slot:[0-9]+}", handlers.UpdateSlot(s.Slots, s.Manager, logger)).Methods("PUT")
	api.HandleFunc("/locks/{id}/slots/{slot:[0-9]+}/reset", handlers.ResetSlot(s.Slots, s.Manager)).Methods("POST")
	api.HandleFunc("/locks/{id}/slots/{slot:[0-9]+}/generate-pin", handlers.GeneratePIN(s.Slots, s.Manager, logger)).Methods("POST")

	// Settings endpoints
	api.HandleFunc("/settings", handlers.GetSettings(s.Manager)).Methods("GET")
	api.HandleFunc("/settings", handlers.UpdateSettings(s.Settings, s.Manager, s.Broadcaster)).Methods("PUT")

	// Serve static frontend files
	if s.Config != nil && s.Config.Server.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.Config.Server.StaticDir)))
	}

	return r
}
