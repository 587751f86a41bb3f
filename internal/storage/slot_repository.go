package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lock-code-manager/backend/internal/storage/models"
)

const dateLayout = "2006-01-02"

// SlotRepository handles code slot persistence.
type SlotRepository struct {
	repo
}

// NewSlotRepository creates a new slot repository.
func NewSlotRepository(db *DB) *SlotRepository {
	return &SlotRepository{repo: newRepo(db)}
}

// Runtime is the controller-owned part of a slot.
type Runtime struct {
	ReportedPIN string
	Active      bool
	SyncState   models.SyncState
	LastError   string
}

const slotColumns = `
	lock_id, slot_number, pin, name, enabled, notifications,
	date_range_enabled, date_start, date_end, usage_limit_enabled, usage_remaining,
	reported_pin, active, sync_state, last_error, synced_at, updated_at`

// ensureSlots provisions any missing slot rows, with default day policy,
// for the lock's range.
func ensureSlots(ctx context.Context, q Queryable, lock *models.Lock, now time.Time) error {
	for _, n := range lock.SlotNumbers() {
		res, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO code_slots (lock_id, slot_number, updated_at) VALUES (?, ?, ?)
		`, lock.ID, n, now)
		if err != nil {
			return fmt.Errorf("provisioning slot %d: %w", n, err)
		}
		if added, _ := res.RowsAffected(); added == 0 {
			continue
		}
		if err := writeDays(ctx, q, lock.ID, n, models.AllDays()); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSlots provisions missing slot rows for lock.
func (r *SlotRepository) EnsureSlots(ctx context.Context, lock *models.Lock) error {
	return ensureSlots(ctx, r.db, lock, r.now())
}

// Get retrieves one slot with its day schedule. It returns nil, nil when absent.
func (r *SlotRepository) Get(ctx context.Context, lockID string, number int) (*models.CodeSlot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+slotColumns+`
		FROM code_slots WHERE lock_id = ? AND slot_number = ?`, lockID, number)

	slot, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying slot: %w", err)
	}

	days, err := r.days(ctx, lockID, number)
	if err != nil {
		return nil, err
	}
	if d, ok := days[number]; ok {
		slot.Days = d
	}
	return slot, nil
}

// List retrieves every slot of a lock ordered by number.
func (r *SlotRepository) List(ctx context.Context, lockID string) ([]models.CodeSlot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+slotColumns+`
		FROM code_slots WHERE lock_id = ? ORDER BY slot_number`, lockID)
	if err != nil {
		return nil, fmt.Errorf("querying slots: %w", err)
	}
	defer rows.Close()

	var slots []models.CodeSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	days, err := r.days(ctx, lockID, 0)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		if d, ok := days[slots[i].Number]; ok {
			slots[i].Days = d
		}
	}
	return slots, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*models.CodeSlot, error) {
	slot := &models.CodeSlot{Days: models.AllDays()}
	var dateStart, dateEnd, state string
	var syncedAt sql.NullTime

	if err := row.Scan(
		&slot.LockID, &slot.Number, &slot.PIN, &slot.Name, &slot.Enabled, &slot.Notifications,
		&slot.DateRangeEnabled, &dateStart, &dateEnd, &slot.UsageLimitEnabled, &slot.UsageRemaining,
		&slot.ReportedPIN, &slot.Active, &state, &slot.LastError, &syncedAt, &slot.UpdatedAt,
	); err != nil {
		return nil, err
	}

	slot.SyncState = models.SyncState(state)
	slot.DateStart = parseDate(dateStart)
	slot.DateEnd = parseDate(dateEnd)
	if syncedAt.Valid {
		t := syncedAt.Time
		slot.SyncedAt = &t
	}
	return slot, nil
}

// days loads day schedules keyed by slot number. number 0 loads every slot.
func (r *SlotRepository) days(ctx context.Context, lockID string, number int) (map[int][7]models.DaySchedule, error) {
	query := `SELECT slot_number, weekday, enabled, start_time, end_time, inclusive
		FROM slot_days WHERE lock_id = ?`
	args := []any{lockID}
	if number > 0 {
		query += ` AND slot_number = ?`
		args = append(args, number)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slot days: %w", err)
	}
	defer rows.Close()

	out := make(map[int][7]models.DaySchedule)
	for rows.Next() {
		var n, weekday int
		var d models.DaySchedule
		if err := rows.Scan(&n, &weekday, &d.Enabled, &d.StartTime, &d.EndTime, &d.Inclusive); err != nil {
			return nil, fmt.Errorf("scanning slot day: %w", err)
		}
		days, ok := out[n]
		if !ok {
			days = models.AllDays()
		}
		if weekday >= 0 && weekday < len(days) {
			days[weekday] = d
		}
		out[n] = days
	}
	return out, rows.Err()
}

func writeDays(ctx context.Context, q Queryable, lockID string, number int, days [7]models.DaySchedule) error {
	for weekday, d := range days {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO slot_days (lock_id, slot_number, weekday, enabled, start_time, end_time, inclusive)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(lock_id, slot_number, weekday) DO UPDATE SET
				enabled = excluded.enabled, start_time = excluded.start_time,
				end_time = excluded.end_time, inclusive = excluded.inclusive
		`, lockID, number, weekday, d.Enabled, d.StartTime, d.EndTime, d.Inclusive); err != nil {
			return fmt.Errorf("writing slot day %d: %w", weekday, err)
		}
	}
	return nil
}

// SaveConfig writes the desired-state fields of a slot. The usage count
// is left alone since keypad events consume it concurrently; use
// SaveConfigWithUsage to set it. Runtime fields are not touched.
func (r *SlotRepository) SaveConfig(ctx context.Context, slot *models.CodeSlot) error {
	return r.saveConfig(ctx, slot, false)
}

// SaveConfigWithUsage is SaveConfig that also overwrites the usage count.
func (r *SlotRepository) SaveConfigWithUsage(ctx context.Context, slot *models.CodeSlot) error {
	return r.saveConfig(ctx, slot, true)
}

func (r *SlotRepository) saveConfig(ctx context.Context, slot *models.CodeSlot, withUsage bool) error {
	slot.UpdatedAt = r.now()

	query := `
		UPDATE code_slots SET
			pin = ?, name = ?, enabled = ?, notifications = ?,
			date_range_enabled = ?, date_start = ?, date_end = ?,
			usage_limit_enabled = ?, updated_at = ?`
	args := []any{
		slot.PIN, slot.Name, slot.Enabled, slot.Notifications,
		slot.DateRangeEnabled, formatDate(slot.DateStart), formatDate(slot.DateEnd),
		slot.UsageLimitEnabled, slot.UpdatedAt,
	}
	if withUsage {
		query += `, usage_remaining = ?`
		args = append(args, max(slot.UsageRemaining, 0))
	}
	query += ` WHERE lock_id = ? AND slot_number = ?`
	args = append(args, slot.LockID, slot.Number)

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating slot: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("slot %s/%d: %w", slot.LockID, slot.Number, ErrNotFound)
		}
		return writeDays(ctx, tx, slot.LockID, slot.Number, slot.Days)
	})
}

// SaveRuntime records the controller's view of a slot.
func (r *SlotRepository) SaveRuntime(ctx context.Context, lockID string, number int, rt Runtime) error {
	now := r.now()
	var syncedAt any
	if rt.SyncState == models.SyncSynced {
		syncedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE code_slots SET
			reported_pin = ?, active = ?, sync_state = ?, last_error = ?,
			synced_at = COALESCE(?, synced_at)
		WHERE lock_id = ? AND slot_number = ?
	`, rt.ReportedPIN, rt.Active, rt.SyncState, rt.LastError, syncedAt, lockID, number)
	if err != nil {
		return fmt.Errorf("updating slot runtime: %w", err)
	}
	return nil
}

// DecrementUsage consumes one use of a slot with an enabled usage limit.
// The count never drops below zero. It reports the remaining count and
// whether a use was consumed.
func (r *SlotRepository) DecrementUsage(ctx context.Context, lockID string, number int) (int, bool, error) {
	var remaining int
	var changed bool

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE code_slots SET usage_remaining = usage_remaining - 1
			WHERE lock_id = ? AND slot_number = ? AND usage_limit_enabled = 1 AND usage_remaining > 0
		`, lockID, number)
		if err != nil {
			return fmt.Errorf("decrementing usage: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0

		err = tx.QueryRowContext(ctx, `
			SELECT usage_remaining FROM code_slots WHERE lock_id = ? AND slot_number = ?
		`, lockID, number).Scan(&remaining)
		if err == sql.ErrNoRows {
			return fmt.Errorf("slot %s/%d: %w", lockID, number, ErrNotFound)
		}
		return err
	})

	return remaining, changed, err
}

// Reset returns a slot's desired state to defaults and returns the result.
func (r *SlotRepository) Reset(ctx context.Context, lockID string, number int) (*models.CodeSlot, error) {
	slot, err := r.Get(ctx, lockID, number)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, fmt.Errorf("slot %s/%d: %w", lockID, number, ErrNotFound)
	}

	slot.Reset()
	if err := r.SaveConfigWithUsage(ctx, slot); err != nil {
		return nil, err
	}
	return slot, nil
}

// FindByPIN lists the slot numbers on a lock that hold pin.
func (r *SlotRepository) FindByPIN(ctx context.Context, lockID, pin string) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT slot_number FROM code_slots WHERE lock_id = ? AND pin = ? AND pin != ''
		ORDER BY slot_number
	`, lockID, pin)
	if err != nil {
		return nil, fmt.Errorf("querying slots by pin: %w", err)
	}
	defer rows.Close()

	var nums []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	return nums, rows.Err()
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
