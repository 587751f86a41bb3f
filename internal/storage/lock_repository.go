package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lock-code-manager/backend/internal/storage/models"
)

// ErrNotFound is returned by updates and deletes that match no row.
var ErrNotFound = errors.New("storage: not found")

// LockRepository provides data access for managed locks.
type LockRepository struct {
	repo
}

// NewLockRepository creates a new lock repository.
func NewLockRepository(db *DB) *LockRepository {
	return &LockRepository{
		repo: newRepo(db),
	}
}

const lockColumns = `id, name, platform, params, start_slot, slot_count, status, created_at, updated_at`

// Create inserts a lock and provisions its slot range in one transaction.
func (r *LockRepository) Create(ctx context.Context, lock *models.Lock) error {
	if lock.ID == "" {
		lock.ID = GenerateID()
	}
	lock.CreatedAt = r.now()
	lock.UpdatedAt = lock.CreatedAt
	if lock.Status == "" {
		lock.Status = models.StatusDisconnected
	}

	params, err := encodeParams(lock.Params)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO locks (`+lockColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			lock.ID, lock.Name, lock.Platform, params,
			lock.StartSlot, lock.SlotCount, lock.Status,
			lock.CreatedAt, lock.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting lock: %w", err)
		}
		return ensureSlots(ctx, tx, lock, r.now())
	})
}

// GetByID retrieves a lock by its ID. It returns nil, nil when absent.
func (r *LockRepository) GetByID(ctx context.Context, id string) (*models.Lock, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ?`, id)
	return scanLockRow(row)
}

// GetByName retrieves a lock by its unique name. It returns nil, nil when absent.
func (r *LockRepository) GetByName(ctx context.Context, name string) (*models.Lock, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE name = ?`, name)
	return scanLockRow(row)
}

func scanLockRow(row *sql.Row) (*models.Lock, error) {
	lock := &models.Lock{}
	var params string
	err := row.Scan(
		&lock.ID, &lock.Name, &lock.Platform, &params,
		&lock.StartSlot, &lock.SlotCount, &lock.Status,
		&lock.CreatedAt, &lock.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying lock: %w", err)
	}
	if lock.Params, err = decodeParams(params); err != nil {
		return nil, err
	}
	return lock, nil
}

// List retrieves all managed locks ordered by name.
func (r *LockRepository) List(ctx context.Context) ([]models.Lock, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+lockColumns+` FROM locks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying locks: %w", err)
	}
	defer rows.Close()

	var locks []models.Lock
	for rows.Next() {
		var lock models.Lock
		var params string
		if err := rows.Scan(
			&lock.ID, &lock.Name, &lock.Platform, &params,
			&lock.StartSlot, &lock.SlotCount, &lock.Status,
			&lock.CreatedAt, &lock.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		if lock.Params, err = decodeParams(params); err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}

	return locks, rows.Err()
}

// Update writes the lock definition. Slots that fall outside a changed
// range are removed and new ones are provisioned.
func (r *LockRepository) Update(ctx context.Context, lock *models.Lock) error {
	lock.UpdatedAt = r.now()

	params, err := encodeParams(lock.Params)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE locks SET
				name = ?, platform = ?, params = ?, start_slot = ?, slot_count = ?, updated_at = ?
			WHERE id = ?
		`,
			lock.Name, lock.Platform, params, lock.StartSlot, lock.SlotCount,
			lock.UpdatedAt, lock.ID,
		)
		if err != nil {
			return fmt.Errorf("updating lock: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return fmt.Errorf("lock %s: %w", lock.ID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM code_slots WHERE lock_id = ? AND (slot_number < ? OR slot_number > ?)
		`, lock.ID, lock.StartSlot, lock.EndSlot()); err != nil {
			return fmt.Errorf("trimming slots: %w", err)
		}

		return ensureSlots(ctx, tx, lock, lock.UpdatedAt)
	})
}

// Delete removes a lock and, by cascade, its slots.
func (r *LockRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM locks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateStatus records the connection status of a lock.
func (r *LockRepository) UpdateStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE locks SET status = ?, updated_at = ? WHERE id = ?
	`, status, r.now(), id)
	if err != nil {
		return fmt.Errorf("updating lock status: %w", err)
	}
	return nil
}

func encodeParams(params map[string]string) (string, error) {
	if params == nil {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding lock params: %w", err)
	}
	return string(b), nil
}

func decodeParams(raw string) (map[string]string, error) {
	params := map[string]string{}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("decoding lock params: %w", err)
	}
	return params, nil
}
