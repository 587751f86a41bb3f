package reconcile

import (
	"context"
	"time"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/logging"
)

// Event is a provider occurrence routed to a controller.
type Event interface {
	lock() string
}

// KeypadUnlock is lock activity. Qualifies marks an unlock by a user code
// on Slot; everything else is reported as activity on slot 0.
type KeypadUnlock struct {
	LockID     string
	Slot       int
	Label      string
	ActionCode int
	Qualifies  bool
	Raw        []byte
}

// ConnectivityChanged is a connection transition pushed by a provider.
type ConnectivityChanged struct {
	LockID    string
	Connected bool
}

func (e KeypadUnlock) lock() string        { return e.LockID }
func (e ConnectivityChanged) lock() string { return e.LockID }

type throttleKey struct {
	lockID     string
	slot       int
	actionCode int
}

// Router serialises provider events. It counts usage, emits notifications
// and forwards connectivity to the owning controller.
type Router struct {
	events   chan Event
	lookup   func(lockID string) (*Controller, bool)
	store    SlotStore
	sink     events.Sink
	throttle time.Duration
	clock    func() time.Time
	logger   *logging.Logger

	seen map[throttleKey]time.Time
}

// NewRouter creates a router. lookup resolves the controller for a lock.
func NewRouter(lookup func(lockID string) (*Controller, bool), store SlotStore, sink events.Sink, throttle time.Duration, logger *logging.Logger) *Router {
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{
		events:   make(chan Event, 256),
		lookup:   lookup,
		store:    store,
		sink:     sink,
		throttle: throttle,
		clock:    time.Now,
		logger:   logger.With("component", "router"),
		seen:     make(map[throttleKey]time.Time),
	}
}

// Publish queues ev without blocking. It reports false when the queue is
// full and the event was dropped.
func (r *Router) Publish(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	default:
		r.logger.Warn("event queue full, dropping event", "lock_id", ev.lock())
		return false
	}
}

// Run processes events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.route(ctx, ev)
		}
	}
}

func (r *Router) route(ctx context.Context, ev Event) {
	ctrl, ok := r.lookup(ev.lock())
	if !ok {
		r.logger.Debug("event for unmanaged lock", "lock_id", ev.lock())
		return
	}

	switch e := ev.(type) {
	case ConnectivityChanged:
		ctrl.SetConnected(e.Connected)
	case KeypadUnlock:
		r.activity(ctx, ctrl, e)
	}
}

func (r *Router) activity(ctx context.Context, ctrl *Controller, ev KeypadUnlock) {
	now := r.clock()
	if r.throttled(throttleKey{ev.LockID, ev.Slot, ev.ActionCode}, now) {
		r.logger.Debug("duplicate lock event ignored", "lock_id", ev.LockID, "slot", ev.Slot, "action", ev.Label)
		return
	}

	lk := ctrl.Lock()
	n := events.Notification{
		LockID:      lk.ID,
		LockName:    lk.Name,
		ActionLabel: ev.Label,
		ActionCode:  ev.ActionCode,
		Timestamp:   now,
	}

	if ev.Qualifies && ev.Slot > 0 && lk.HasSlot(ev.Slot) {
		slot, err := r.store.Get(ctx, lk.ID, ev.Slot)
		switch {
		case err != nil:
			r.logger.Error("loading slot for event", "lock_id", lk.ID, "slot", ev.Slot, "error", err)
		case slot != nil:
			n.SlotNumber = ev.Slot
			n.SlotName = slot.Name
			n.Notify = slot.Notifications

			if slot.UsageLimitEnabled {
				remaining, used, err := r.store.DecrementUsage(ctx, lk.ID, ev.Slot)
				if err != nil {
					r.logger.Error("decrementing usage", "lock_id", lk.ID, "slot", ev.Slot, "error", err)
				} else {
					n.UsageRemaining = &remaining
					if used {
						r.logger.Info("slot use counted", "lock_id", lk.ID, "slot", ev.Slot, "remaining", remaining)
					}
				}
			}
			ctrl.reevaluateSlot(ev.Slot)
		}
	}

	r.sink.Notify(n)
}

func (r *Router) throttled(key throttleKey, now time.Time) bool {
	if r.throttle <= 0 {
		return false
	}
	if last, ok := r.seen[key]; ok && now.Sub(last) < r.throttle {
		return true
	}
	r.seen[key] = now

	if len(r.seen) > 256 {
		for k, t := range r.seen {
			if now.Sub(t) >= r.throttle {
				delete(r.seen, k)
			}
		}
	}
	return false
}
