// Package policy decides whether a code slot should be present on its lock
// and whether the lock currently agrees.
package policy

import (
	"strconv"
	"strings"
	"time"

	"github.com/lock-code-manager/backend/internal/storage/models"
)

// Evaluator evaluates slot access policy in a fixed timezone.
type Evaluator struct {
	location *time.Location
}

// NewEvaluator creates an evaluator using the local timezone.
func NewEvaluator() *Evaluator {
	return &Evaluator{location: time.Local}
}

// NewEvaluatorWithLocation creates an evaluator for a specific timezone.
func NewEvaluatorWithLocation(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{location: loc}
}

// Location returns the evaluator timezone.
func (e *Evaluator) Location() *time.Location {
	return e.location
}

// IsActive reports whether slot's code should be on the lock at now.
//
// Every rule is checked against the same instant. A slot is active only when
// it has a code, is enabled, its weekday is allowed, today falls inside the
// date range, the clock satisfies the day's window and uses remain.
func (e *Evaluator) IsActive(slot *models.CodeSlot, now time.Time) bool {
	if slot == nil || slot.PIN == "" || !slot.Enabled {
		return false
	}

	local := now.In(e.location)
	day := slot.Days[local.Weekday()]
	if !day.Enabled {
		return false
	}

	if slot.DateRangeEnabled && !inDateRange(local, slot.DateStart, slot.DateEnd) {
		return false
	}

	if day.WindowEnabled() && !inWindow(day, local) {
		return false
	}

	if slot.UsageLimitEnabled && slot.UsageRemaining <= 0 {
		return false
	}

	return true
}

// inDateRange compares calendar dates only: start <= today <= end.
func inDateRange(local, start, end time.Time) bool {
	today := civilDate(local)
	return civilDate(start) <= today && today <= civilDate(end)
}

func civilDate(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// inWindow applies the day's time window at minute resolution. A start after
// the end never wraps past midnight: such an inclusive window is empty and
// such an exclusive window never excludes.
func inWindow(day models.DaySchedule, local time.Time) bool {
	start, okStart := parseClock(day.StartTime)
	end, okEnd := parseClock(day.EndTime)
	if !okStart || !okEnd {
		return !day.Inclusive
	}

	current := local.Hour()*60 + local.Minute()
	inside := current >= start && current <= end

	if day.Inclusive {
		return inside
	}
	return !inside
}

// parseClock parses "15:04" (or "9:30") into minutes after midnight.
func parseClock(s string) (int, bool) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// ValidClock reports whether s is a valid "15:04" time of day.
func ValidClock(s string) bool {
	_, ok := parseClock(s)
	return ok
}

// IsCleared reports whether a code reported by a lock means "no code". Some
// firmware reports a cleared slot as all zeros instead of empty.
func IsCleared(reported string) bool {
	return strings.Trim(reported, "0") == ""
}

// IsSynced reports whether the lock agrees with the desired state. An active
// slot must hold exactly the configured code; an inactive slot must be empty.
func IsSynced(active bool, configured, reported string) bool {
	if active {
		return reported == configured && configured != ""
	}
	return IsCleared(reported)
}
