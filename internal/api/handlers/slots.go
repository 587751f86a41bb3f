package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lock-code-manager/backend/internal/api/middleware"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/policy"
	"github.com/lock-code-manager/backend/internal/reconcile"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

const dateLayout = "2006-01-02"

// SlotRequest is the body of a slot update. Omitted fields keep their
// stored values. UsageRemaining is only written when present so an edit
// never restores uses consumed at the keypad.
type SlotRequest struct {
	PIN               string                `json:"pin"`
	Name              string                `json:"name"`
	Enabled           bool                  `json:"enabled"`
	Notifications     bool                  `json:"notifications"`
	Days              [7]models.DaySchedule `json:"days"`
	DateRangeEnabled  bool                  `json:"date_range_enabled"`
	DateStart         string                `json:"date_start"`
	DateEnd           string                `json:"date_end"`
	UsageLimitEnabled bool                  `json:"usage_limit_enabled"`
	UsageRemaining    *int                  `json:"usage_remaining"`
}

func slotRequestFrom(s *models.CodeSlot) SlotRequest {
	req := SlotRequest{
		PIN:               s.PIN,
		Name:              s.Name,
		Enabled:           s.Enabled,
		Notifications:     s.Notifications,
		Days:              s.Days,
		DateRangeEnabled:  s.DateRangeEnabled,
		UsageLimitEnabled: s.UsageLimitEnabled,
	}
	if !s.DateStart.IsZero() {
		req.DateStart = s.DateStart.Format(dateLayout)
	}
	if !s.DateEnd.IsZero() {
		req.DateEnd = s.DateEnd.Format(dateLayout)
	}
	return req
}

// apply validates the request and copies it onto s.
func (req SlotRequest) apply(s *models.CodeSlot) error {
	if req.PIN != "" {
		if err := policy.ValidatePIN(req.PIN); err != nil {
			return err
		}
	}
	for i, d := range req.Days {
		for _, clock := range []string{d.StartTime, d.EndTime} {
			if clock != "" && !policy.ValidClock(clock) {
				return fmt.Errorf("%s: invalid time %q", time.Weekday(i), clock)
			}
		}
	}
	if req.UsageRemaining != nil && *req.UsageRemaining < 0 {
		return errors.New("usage_remaining must not be negative")
	}

	var start, end time.Time
	var err error
	if req.DateStart != "" {
		if start, err = time.Parse(dateLayout, req.DateStart); err != nil {
			return fmt.Errorf("date_start: %w", err)
		}
	}
	if req.DateEnd != "" {
		if end, err = time.Parse(dateLayout, req.DateEnd); err != nil {
			return fmt.Errorf("date_end: %w", err)
		}
	}
	if req.DateRangeEnabled {
		if start.IsZero() || end.IsZero() {
			return errors.New("date_start and date_end are required when the date range is enabled")
		}
		if end.Before(start) {
			return errors.New("date_end must not be before date_start")
		}
	}

	s.PIN = req.PIN
	s.Name = req.Name
	s.Enabled = req.Enabled
	s.Notifications = req.Notifications
	s.Days = req.Days
	s.DateRangeEnabled = req.DateRangeEnabled
	s.DateStart = start
	s.DateEnd = end
	s.UsageLimitEnabled = req.UsageLimitEnabled
	if req.UsageRemaining != nil {
		s.UsageRemaining = *req.UsageRemaining
	}
	return nil
}

// loadSlot fetches the slot named by the {id} and {slot} route variables,
// writing an error response when it cannot.
func loadSlot(w http.ResponseWriter, r *http.Request, slots *storage.SlotRepository) (*models.CodeSlot, bool) {
	number, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid slot number")
		return nil, false
	}

	slot, err := slots.Get(r.Context(), mux.Vars(r)["id"], number)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query slot")
		return nil, false
	}
	if slot == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Slot not found")
		return nil, false
	}
	return slot, true
}

// saveSlot stores a slot's desired state, has its controller re-check it
// and returns the stored slot. A lock that is not running picks the change
// up when it starts.
func saveSlot(w http.ResponseWriter, r *http.Request, slots *storage.SlotRepository, mgr *reconcile.Manager, logger *logging.Logger, slot *models.CodeSlot, withUsage bool) (*models.CodeSlot, bool) {
	checker := policy.NewDuplicateChecker(slots.FindByPIN)
	conflicts, err := checker.Conflicts(r.Context(), slot.LockID, slot.Number, slot.PIN)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to check PIN")
		return nil, false
	}
	if len(conflicts) > 0 {
		middleware.WriteErrorWithDetails(w, http.StatusConflict, middleware.ErrConflict,
			"PIN is already used by another slot on this lock", map[string]any{"slots": conflicts})
		return nil, false
	}

	save := slots.SaveConfig
	if withUsage {
		save = slots.SaveConfigWithUsage
	}
	if err := save(r.Context(), slot); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to save slot")
		return nil, false
	}
	if err := mgr.Reevaluate(slot.LockID, slot.Number); err != nil && !errors.Is(err, reconcile.ErrUnknownLock) {
		logger.Warn("reevaluating slot", "lock_id", slot.LockID, "slot", slot.Number, "error", err)
	}

	stored, err := slots.Get(r.Context(), slot.LockID, slot.Number)
	if err != nil || stored == nil {
		return slot, true
	}
	return stored, true
}

// ListSlots returns every slot of a lock.
func ListSlots(locks *storage.LockRepository, slots *storage.SlotRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lk, ok := loadLock(w, r, locks)
		if !ok {
			return
		}

		all, err := slots.List(r.Context(), lk.ID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query slots")
			return
		}
		if all == nil {
			all = []models.CodeSlot{}
		}
		writeJSON(w, http.StatusOK, all)
	}
}

// GetSlot returns one slot.
func GetSlot(slots *storage.SlotRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := loadSlot(w, r, slots)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

// UpdateSlot writes a slot's desired state.
func UpdateSlot(slots *storage.SlotRepository, mgr *reconcile.Manager, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := loadSlot(w, r, slots)
		if !ok {
			return
		}

		req := slotRequestFrom(slot)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if err := req.apply(slot); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		saved, ok := saveSlot(w, r, slots, mgr, logger, slot, req.UsageRemaining != nil)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// GeneratePIN assigns a random unused PIN to a slot. The optional body sets
// the code length.
func GeneratePIN(slots *storage.SlotRepository, mgr *reconcile.Manager, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := loadSlot(w, r, slots)
		if !ok {
			return
		}

		req := struct {
			Length int `json:"length"`
		}{Length: 6}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		checker := policy.NewDuplicateChecker(slots.FindByPIN)
		pin, err := policy.NewGenerator(req.Length).Generate(checker.Taken(r.Context(), slot.LockID, slot.Number))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, err.Error())
			return
		}

		slot.PIN = pin
		saved, ok := saveSlot(w, r, slots, mgr, logger, slot, false)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// ResetSlot returns a slot to defaults and clears it from the lock. A lock
// that is not running gets the stored reset and is cleared when it starts.
func ResetSlot(slots *storage.SlotRepository, mgr *reconcile.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := loadSlot(w, r, slots)
		if !ok {
			return
		}

		err := mgr.ResetSlot(r.Context(), slot.LockID, slot.Number)
		if errors.Is(err, reconcile.ErrUnknownLock) {
			_, err = slots.Reset(r.Context(), slot.LockID, slot.Number)
		}
		if err != nil {
			writeManagerError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
