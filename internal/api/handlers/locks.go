package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lock-code-manager/backend/internal/api/middleware"
	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/reconcile"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// Slot range given to locks added by discovery unless the request says
// otherwise.
const (
	defaultStartSlot = 1
	defaultSlotCount = 10
)

// LockResponse represents a lock in API responses.
type LockResponse struct {
	models.Lock
	Running   bool `json:"running"`
	Connected bool `json:"connected"`
}

func lockResponse(mgr *reconcile.Manager, lk models.Lock) LockResponse {
	resp := LockResponse{Lock: lk}
	if st, err := mgr.Status(lk.ID); err == nil {
		resp.Running = true
		resp.Connected = st.Connected
		resp.Status = st.Status
	}
	return resp
}

// LockRequest is the body of lock create and update requests.
type LockRequest struct {
	Name      string            `json:"name"`
	Platform  string            `json:"platform"`
	Params    map[string]string `json:"params"`
	StartSlot int               `json:"start_slot"`
	SlotCount int               `json:"slot_count"`
}

func (req LockRequest) validate(registry *lock.Registry) string {
	switch {
	case req.Name == "":
		return "name is required"
	case !registry.Has(req.Platform):
		return fmt.Sprintf("unknown platform %q", req.Platform)
	case req.StartSlot < 1:
		return "start_slot must be at least 1"
	case req.SlotCount < 1:
		return "slot_count must be at least 1"
	}
	return ""
}

// nameTaken reports whether another lock already uses name.
func nameTaken(ctx context.Context, locks *storage.LockRepository, name, exceptID string) (bool, error) {
	existing, err := locks.GetByName(ctx, name)
	if err != nil {
		return false, err
	}
	return existing != nil && existing.ID != exceptID, nil
}

// ListLocks returns all managed locks.
func ListLocks(locks *storage.LockRepository, mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := locks.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query locks")
			return
		}

		out := make([]LockResponse, 0, len(all))
		for _, lk := range all {
			out = append(out, lockResponse(mgr, lk))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CreateLock adds a lock and starts managing its slots.
func CreateLock(locks *storage.LockRepository, mgr *reconcile.Manager, registry *lock.Registry, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req LockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if msg := req.validate(registry); msg != "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, msg)
			return
		}

		taken, err := nameTaken(ctx, locks, req.Name, "")
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query locks")
			return
		}
		if taken {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A lock with this name already exists")
			return
		}

		lk := &models.Lock{
			Name:      req.Name,
			Platform:  req.Platform,
			Params:    req.Params,
			StartSlot: req.StartSlot,
			SlotCount: req.SlotCount,
		}
		if err := locks.Create(ctx, lk); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create lock")
			return
		}
		if err := mgr.AddLock(*lk); err != nil {
			logger.Warn("starting created lock", "lock_id", lk.ID, "error", err)
		}

		writeJSON(w, http.StatusCreated, lockResponse(mgr, *lk))
	}
}

// DiscoverLocks finds locks in Home Assistant and adds the ones not yet
// managed. The optional body sets the slot range given to new locks.
func DiscoverLocks(cfg *config.Config, mqtt lock.MQTTClient, locks *storage.LockRepository, mgr *reconcile.Manager, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		req := struct {
			StartSlot int `json:"start_slot"`
			SlotCount int `json:"slot_count"`
		}{StartSlot: defaultStartSlot, SlotCount: defaultSlotCount}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.StartSlot < 1 || req.SlotCount < 1 {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "start_slot and slot_count must be at least 1")
			return
		}

		discovery := lock.NewDiscovery(lock.NewHAClient(cfg.HomeAssistant), cfg.ZWaveJSUI, mqtt)
		discovered, err := discovery.DiscoverLocks(ctx)
		if err != nil {
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrUnavailable, "Failed to discover locks: "+err.Error())
			return
		}

		added := []LockResponse{}
		for _, d := range discovered {
			if !d.SupportsPIN {
				continue
			}
			if taken, err := nameTaken(ctx, locks, d.Name, ""); err != nil || taken {
				continue
			}

			lk := &models.Lock{
				Name:      d.Name,
				Platform:  d.Platform,
				Params:    d.Params,
				StartSlot: req.StartSlot,
				SlotCount: req.SlotCount,
			}
			if err := locks.Create(ctx, lk); err != nil {
				logger.Warn("adding discovered lock", "entity_id", d.EntityID, "error", err)
				continue
			}
			if err := mgr.AddLock(*lk); err != nil {
				logger.Warn("starting discovered lock", "lock_id", lk.ID, "error", err)
			}
			added = append(added, lockResponse(mgr, *lk))
		}

		writeJSON(w, http.StatusOK, added)
	}
}

// GetLock returns a single lock by ID.
func GetLock(locks *storage.LockRepository, mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lk, ok := loadLock(w, r, locks)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, lockResponse(mgr, *lk))
	}
}

// loadLock fetches the lock named by the {id} route variable, writing an
// error response when it cannot.
func loadLock(w http.ResponseWriter, r *http.Request, locks *storage.LockRepository) (*models.Lock, bool) {
	lk, err := locks.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query lock")
		return nil, false
	}
	if lk == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Lock not found")
		return nil, false
	}
	return lk, true
}

// UpdateLock changes a lock definition and restarts its controller.
func UpdateLock(locks *storage.LockRepository, mgr *reconcile.Manager, registry *lock.Registry, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lk, ok := loadLock(w, r, locks)
		if !ok {
			return
		}

		req := LockRequest{
			Name:      lk.Name,
			Platform:  lk.Platform,
			Params:    lk.Params,
			StartSlot: lk.StartSlot,
			SlotCount: lk.SlotCount,
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if msg := req.validate(registry); msg != "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, msg)
			return
		}

		taken, err := nameTaken(ctx, locks, req.Name, lk.ID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query locks")
			return
		}
		if taken {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A lock with this name already exists")
			return
		}

		lk.Name = req.Name
		lk.Platform = req.Platform
		lk.Params = req.Params
		lk.StartSlot = req.StartSlot
		lk.SlotCount = req.SlotCount
		if err := locks.Update(ctx, lk); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Lock not found")
				return
			}
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update lock")
			return
		}
		if err := mgr.RestartLock(*lk); err != nil {
			logger.Warn("restarting updated lock", "lock_id", lk.ID, "error", err)
		}

		writeJSON(w, http.StatusOK, lockResponse(mgr, *lk))
	}
}

// DeleteLock stops managing a lock and removes it with its slots.
func DeleteLock(locks *storage.LockRepository, mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		if err := mgr.RemoveLock(id); err != nil && !errors.Is(err, reconcile.ErrUnknownLock) {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to stop lock")
			return
		}
		if err := locks.Delete(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Lock not found")
				return
			}
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to delete lock")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// writeManagerError maps controller lookup failures to responses.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrUnknownLock):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Lock is not running")
	case errors.Is(err, reconcile.ErrUnknownSlot):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Slot not found")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, err.Error())
	}
}

// GetLockStatus returns the live status of a lock and its slots.
func GetLockStatus(mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := mgr.Status(mux.Vars(r)["id"])
		if err != nil {
			writeManagerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// RefreshLock asks the controller to re-read the lock's codes.
func RefreshLock(mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Refresh(mux.Vars(r)["id"]); err != nil {
			writeManagerError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// ResetLock resets every slot of a lock to defaults.
func ResetLock(locks *storage.LockRepository, slots *storage.SlotRepository, mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lk, ok := loadLock(w, r, locks)
		if !ok {
			return
		}

		err := mgr.ResetLock(r.Context(), lk.ID)
		if errors.Is(err, reconcile.ErrUnknownLock) {
			err = nil
			for _, n := range lk.SlotNumbers() {
				if _, err = slots.Reset(r.Context(), lk.ID, n); err != nil {
					break
				}
			}
		}
		if err != nil {
			writeManagerError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// ListPlatforms returns the lock platforms the registry can build.
func ListPlatforms(registry *lock.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.Platforms())
	}
}
