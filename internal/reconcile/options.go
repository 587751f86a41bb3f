// Package reconcile keeps the codes programmed on each lock in line with the
// access policy of its slots. One Controller runs per lock; the Router feeds
// provider activity into them and the Manager owns their lifecycle.
package reconcile

import (
	"context"
	"time"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// Options tunes a controller.
type Options struct {
	// Enabled is the automation switch. Disabled controllers evaluate and
	// report but never write.
	Enabled bool

	PollInterval      time.Duration
	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	VerifyDelay       time.Duration
	ReconnectInterval time.Duration
	// EventThrottle suppresses repeated lock events. Zero disables it.
	EventThrottle time.Duration

	// Clock is the time the policy is evaluated at. Defaults to time.Now.
	Clock func() time.Time
}

// OptionsFromConfig maps the sync configuration section.
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		Enabled:           cfg.Enabled,
		PollInterval:      cfg.PollInterval,
		ConnectTimeout:    cfg.ConnectTimeout,
		OperationTimeout:  cfg.OperationTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		VerifyDelay:       cfg.VerifyDelay,
		ReconnectInterval: cfg.ReconnectInterval,
		EventThrottle:     cfg.EventThrottle,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.ReconnectInterval < o.BackoffInitial {
		o.ReconnectInterval = o.BackoffInitial
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// SlotStore is the slot persistence the controller and router use.
// *storage.SlotRepository implements it.
type SlotStore interface {
	Get(ctx context.Context, lockID string, number int) (*models.CodeSlot, error)
	List(ctx context.Context, lockID string) ([]models.CodeSlot, error)
	SaveRuntime(ctx context.Context, lockID string, number int, rt storage.Runtime) error
	Reset(ctx context.Context, lockID string, number int) (*models.CodeSlot, error)
	DecrementUsage(ctx context.Context, lockID string, number int) (int, bool, error)
}

// LockStore is the lock persistence the manager uses.
// *storage.LockRepository implements it.
type LockStore interface {
	List(ctx context.Context) ([]models.Lock, error)
	UpdateStatus(ctx context.Context, id string, status models.ConnectionStatus) error
}
