package models

import "time"

// CodeSlot is one numbered PIN position on a lock.
//
// The desired-state fields are written by configuration only. ReportedPIN,
// Active, SyncState, LastError and SyncedAt are runtime fields owned by the
// reconciliation controller.
type CodeSlot struct {
	LockID        string `json:"lock_id"`
	Number        int    `json:"slot_number"`
	PIN           string `json:"pin"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	Notifications bool   `json:"notifications"`

	// Days is indexed by time.Weekday.
	Days [7]DaySchedule `json:"days"`

	DateRangeEnabled bool      `json:"date_range_enabled"`
	DateStart        time.Time `json:"date_start"`
	DateEnd          time.Time `json:"date_end"`

	UsageLimitEnabled bool `json:"usage_limit_enabled"`
	UsageRemaining    int  `json:"usage_remaining"`

	ReportedPIN string     `json:"-"`
	Active      bool       `json:"active"`
	SyncState   SyncState  `json:"sync_state"`
	LastError   string     `json:"last_error,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DaySchedule is the per-weekday part of a slot policy. The time window is
// only enforced when StartTime differs from EndTime.
type DaySchedule struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"` // "15:04"
	EndTime   string `json:"end_time"`   // "15:04"
	// Inclusive grants access inside [StartTime, EndTime]; otherwise access
	// is granted outside it.
	Inclusive bool `json:"inclusive"`
}

// WindowEnabled reports whether the day restricts access by time.
func (d DaySchedule) WindowEnabled() bool {
	return d.StartTime != d.EndTime
}

// Synced reports whether the lock was last seen matching the desired state.
func (s *CodeSlot) Synced() bool {
	return s.SyncState == SyncSynced
}

// Reset returns the slot's desired state to factory defaults: no code, no
// holder, disabled, every weekday allowed with no time window, no date range
// and no usage limit. Runtime fields are left to the controller.
func (s *CodeSlot) Reset() {
	s.PIN = ""
	s.Name = ""
	s.Enabled = false
	s.Notifications = false
	s.Days = AllDays()
	s.DateRangeEnabled = false
	s.DateStart = time.Time{}
	s.DateEnd = time.Time{}
	s.UsageLimitEnabled = false
	s.UsageRemaining = 0
}

// AllDays returns a schedule that allows every weekday around the clock.
func AllDays() [7]DaySchedule {
	var days [7]DaySchedule
	for i := range days {
		days[i] = DaySchedule{Enabled: true, Inclusive: true}
	}
	return days
}

// NewCodeSlot returns an empty slot with default policy.
func NewCodeSlot(lockID string, number int) CodeSlot {
	return CodeSlot{
		LockID:    lockID,
		Number:    number,
		Days:      AllDays(),
		SyncState: SyncUnsynced,
	}
}

// SyncState is the reconciliation state of a slot.
type SyncState string

const (
	SyncUnsynced     SyncState = "unsynced"
	SyncSyncing      SyncState = "syncing"
	SyncSynced       SyncState = "synced"
	SyncFailed       SyncState = "failed"
	SyncDisconnected SyncState = "disconnected"
)

// SlotStatus is the externally visible per-slot status.
type SlotStatus struct {
	Number    int       `json:"slot_number"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Synced    bool      `json:"synced"`
	SyncState SyncState `json:"sync_state"`
	LastError string    `json:"last_error,omitempty"`
}

// LockStatus is the status query result for one lock.
type LockStatus struct {
	LockID    string           `json:"lock_id"`
	Name      string           `json:"name"`
	Platform  string           `json:"platform"`
	Status    ConnectionStatus `json:"status"`
	Connected bool             `json:"connected"`
	Automated bool             `json:"automated"`
	Slots     []SlotStatus     `json:"slots"`
}
