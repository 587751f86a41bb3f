package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/policy"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// ErrUnknownLock is returned for locks the manager is not running.
var ErrUnknownLock = errors.New("reconcile: lock not managed")

// Manager owns one controller and provider per lock.
type Manager struct {
	registry *lock.Registry
	deps     lock.Deps
	slots    SlotStore
	locks    LockStore
	eval     *policy.Evaluator
	sink     events.Sink
	opts     Options
	logger   *logging.Logger
	router   *Router

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]*managed
	enabled bool
	wg      sync.WaitGroup
}

type managed struct {
	ctrl        *Controller
	provider    lock.Provider
	sink        events.Sink
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe []func()
}

// NewManager creates a manager. Nothing runs until Start.
func NewManager(registry *lock.Registry, deps lock.Deps, slots SlotStore, locks LockStore, eval *policy.Evaluator, sink events.Sink, opts Options, logger *logging.Logger) *Manager {
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	m := &Manager{
		registry: registry,
		deps:     deps,
		slots:    slots,
		locks:    locks,
		eval:     eval,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		running:  make(map[string]*managed),
		enabled:  opts.Enabled,
	}
	m.router = NewRouter(m.Controller, slots, sink, opts.EventThrottle, logger)
	return m
}

// Router returns the event router feeding the controllers.
func (m *Manager) Router() *Router { return m.router }

// Start launches the router and a controller for every stored lock. A lock
// whose provider cannot be built is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.router.Run(runCtx)
	}()

	locks, err := m.locks.List(ctx)
	if err != nil {
		return fmt.Errorf("listing locks: %w", err)
	}
	for _, lk := range locks {
		if err := m.AddLock(lk); err != nil {
			m.logger.Error("starting lock", "lock_id", lk.ID, "lock", lk.Name, "error", err)
		}
	}

	m.logger.Info("reconciliation started", "locks", len(locks), "automation", m.Enabled())
	return nil
}

// Stop stops every controller and closes the providers.
func (m *Manager) Stop() {
	m.mu.Lock()
	running := m.running
	m.running = make(map[string]*managed)
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for _, r := range running {
		m.stop(r)
	}
	m.wg.Wait()
}

// AddLock builds the provider for lk and starts its controller.
func (m *Manager) AddLock(lk models.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return errors.New("reconcile: manager not started")
	}
	if _, ok := m.running[lk.ID]; ok {
		return fmt.Errorf("lock %s already running", lk.ID)
	}

	provider, err := m.registry.New(lk, m.deps)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	opts := m.opts
	opts.Enabled = m.enabled
	sink := events.Fanout{m.sink, statusRecorder{store: m.locks, logger: m.logger}}
	ctrl := NewController(lk, provider, m.slots, m.eval, sink, opts, m.logger)

	ctx, cancel := context.WithCancel(m.ctx)
	r := &managed{ctrl: ctrl, provider: provider, sink: sink, cancel: cancel, done: make(chan struct{})}

	if sub, ok := provider.(lock.EventSubscriber); ok {
		r.unsubscribe = append(r.unsubscribe, sub.SubscribeLockEvents(func(ev lock.LockEvent) {
			m.router.Publish(KeypadUnlock{
				LockID:     lk.ID,
				Slot:       ev.Slot,
				Label:      ev.Label,
				ActionCode: ev.ActionCode,
				Qualifies:  ev.KeypadUnlock,
				Raw:        ev.Raw,
			})
		}))
	}
	if sub, ok := provider.(lock.ConnectionNotifier); ok {
		r.unsubscribe = append(r.unsubscribe, sub.SubscribeConnectionEvents(func(connected bool) {
			m.router.Publish(ConnectivityChanged{LockID: lk.ID, Connected: connected})
		}))
	}

	m.running[lk.ID] = r
	go func() {
		defer close(r.done)
		ctrl.Run(ctx)
	}()

	m.logger.Info("lock started", "lock_id", lk.ID, "lock", lk.Name, "platform", lk.Platform)
	return nil
}

// RemoveLock stops a lock's controller and closes its provider.
func (m *Manager) RemoveLock(lockID string) error {
	m.mu.Lock()
	r, ok := m.running[lockID]
	delete(m.running, lockID)
	m.mu.Unlock()

	if !ok {
		return ErrUnknownLock
	}
	m.stop(r)
	return nil
}

// RestartLock applies a changed lock definition.
func (m *Manager) RestartLock(lk models.Lock) error {
	if err := m.RemoveLock(lk.ID); err != nil && !errors.Is(err, ErrUnknownLock) {
		return err
	}
	return m.AddLock(lk)
}

// stop reports disconnecting while the controller drains and the provider
// closes, then disconnected.
func (m *Manager) stop(r *managed) {
	id := r.ctrl.Lock().ID
	r.sink.LockChanged(events.LockChanged{LockID: id, Status: models.StatusDisconnecting})

	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.cancel()
	<-r.done
	if err := r.provider.Close(); err != nil {
		m.logger.Warn("closing provider", "lock_id", id, "error", err)
	}

	r.sink.LockChanged(events.LockChanged{LockID: id, Status: models.StatusDisconnected})
}

// Controller returns the running controller for a lock.
func (m *Manager) Controller(lockID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.running[lockID]
	if !ok {
		return nil, false
	}
	return r.ctrl, true
}

func (m *Manager) controller(lockID string) (*Controller, error) {
	ctrl, ok := m.Controller(lockID)
	if !ok {
		return nil, ErrUnknownLock
	}
	return ctrl, nil
}

// Reevaluate re-checks a slot after its configuration was written.
func (m *Manager) Reevaluate(lockID string, slot int) error {
	ctrl, err := m.controller(lockID)
	if err != nil {
		return err
	}
	return ctrl.Reevaluate(slot)
}

// ReevaluateAll re-checks every slot of every lock. The scheduler calls it
// on each minute boundary.
func (m *Manager) ReevaluateAll() {
	for _, ctrl := range m.controllers() {
		ctrl.ReevaluateAll()
	}
}

// Refresh requests a full read of a lock.
func (m *Manager) Refresh(lockID string) error {
	ctrl, err := m.controller(lockID)
	if err != nil {
		return err
	}
	ctrl.Refresh()
	return nil
}

// ResetSlot resets a slot to defaults and clears it from the lock.
func (m *Manager) ResetSlot(ctx context.Context, lockID string, slot int) error {
	ctrl, err := m.controller(lockID)
	if err != nil {
		return err
	}
	return ctrl.ResetSlot(ctx, slot)
}

// ResetLock resets every slot of a lock.
func (m *Manager) ResetLock(ctx context.Context, lockID string) error {
	ctrl, err := m.controller(lockID)
	if err != nil {
		return err
	}
	lk := ctrl.Lock()
	for _, n := range lk.SlotNumbers() {
		if err := ctrl.ResetSlot(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// SetEnabled switches automation for every lock.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()

	for _, ctrl := range m.controllers() {
		ctrl.SetEnabled(enabled)
	}
}

// Enabled reports the automation switch.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Status reports the status of one lock.
func (m *Manager) Status(lockID string) (models.LockStatus, error) {
	ctrl, err := m.controller(lockID)
	if err != nil {
		return models.LockStatus{}, err
	}
	return ctrl.Status(), nil
}

// Statuses reports every running lock, ordered by name.
func (m *Manager) Statuses() []models.LockStatus {
	ctrls := m.controllers()
	out := make([]models.LockStatus, 0, len(ctrls))
	for _, ctrl := range ctrls {
		out = append(out, ctrl.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) controllers() []*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Controller, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r.ctrl)
	}
	return out
}

// statusRecorder persists lock connectivity transitions.
type statusRecorder struct {
	events.Discard
	store  LockStore
	logger *logging.Logger
}

func (s statusRecorder) LockChanged(l events.LockChanged) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateStatus(ctx, l.LockID, l.Status); err != nil {
		s.logger.Warn("recording lock status", "lock_id", l.LockID, "error", err)
	}
}
