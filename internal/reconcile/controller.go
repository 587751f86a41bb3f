package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/policy"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// ErrUnknownSlot is returned for slot numbers outside the lock's range.
var ErrUnknownSlot = errors.New("reconcile: slot not managed")

type triggerKind int

const (
	trigReevaluate triggerKind = iota
	trigRefresh
	trigPoll
	trigConnectivity
	trigConnectResult
	trigWriteDone
	trigReadDone
	trigSetEnabled
)

type trigger struct {
	kind          triggerKind
	slot          int // 0 means every slot
	configChanged bool
	flag          bool
	gen           uint64
	err           error
	write         writeResult
	read          readResult
}

type writeResult struct {
	set  bool
	code string
	err  error
	at   time.Time
}

type readResult struct {
	started time.Time
	codes   []lock.CodeSlot
	err     error
}

type slotState struct {
	name     string
	pin      string
	active   bool
	reported string
	known    bool
	state    models.SyncState
	lastErr  string

	inFlight      bool
	pending       bool
	pendingConfig bool
	suspended     bool
	writeDoneAt   time.Time
}

type slotView struct {
	name, reported, lastErr string
	active                  bool
	state                   models.SyncState
}

func (s *slotState) view() slotView {
	return slotView{name: s.name, reported: s.reported, lastErr: s.lastErr, active: s.active, state: s.state}
}

// Controller reconciles the slots of one lock. All state changes happen on
// its run loop; provider calls run in worker goroutines and report back
// through the trigger channel.
type Controller struct {
	lock     models.Lock
	provider lock.Provider
	store    SlotStore
	eval     *policy.Evaluator
	sink     events.Sink
	logger   *logging.Logger
	opts     Options

	triggers chan trigger
	done     chan struct{}
	wg       sync.WaitGroup

	mu              sync.RWMutex
	slots           map[int]*slotState
	dirty           map[int]bool
	connected       bool
	enabled         bool
	connCtx         context.Context
	connCancel      context.CancelFunc
	reading         bool
	readPending     bool
	readGen         uint64
	reconnecting    bool
	reconnectGen    uint64
	reconnectCancel context.CancelFunc
}

// NewController creates a controller. It does nothing until Run.
func NewController(lk models.Lock, provider lock.Provider, store SlotStore, eval *policy.Evaluator, sink events.Sink, opts Options, logger *logging.Logger) *Controller {
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	opts = opts.withDefaults()

	return &Controller{
		lock:     lk,
		provider: provider,
		store:    store,
		eval:     eval,
		sink:     sink,
		logger:   logger.With("component", "controller", "lock_id", lk.ID, "lock", lk.Name),
		opts:     opts,
		triggers: make(chan trigger, 64),
		done:     make(chan struct{}),
		slots:    make(map[int]*slotState),
		dirty:    make(map[int]bool),
		enabled:  opts.Enabled,
	}
}

// Lock returns the lock definition the controller was built with.
func (c *Controller) Lock() models.Lock { return c.lock }

// Run drives the controller until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	for _, n := range c.lock.SlotNumbers() {
		c.slots[n] = &slotState{state: models.SyncDisconnected}
		c.reconcile(ctx, n, false)
	}
	c.startReconnect(ctx)
	c.flush(ctx)
	c.mu.Unlock()

	var poll <-chan time.Time
	if !lock.SupportsPushUpdates(c.provider) && c.opts.PollInterval > 0 {
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.stopReconnect()
			if c.connCancel != nil {
				c.connCancel()
			}
			c.mu.Unlock()
			close(c.done)
			c.wg.Wait()
			return
		case <-poll:
			c.handle(ctx, trigger{kind: trigPoll})
		case t := <-c.triggers:
			c.handle(ctx, t)
		}
	}
}

// Reevaluate re-checks one slot after its configuration changed. It lifts
// a not_found or rejected suspension.
func (c *Controller) Reevaluate(slot int) error {
	if !c.lock.HasSlot(slot) {
		return ErrUnknownSlot
	}
	c.send(trigger{kind: trigReevaluate, slot: slot, configChanged: true})
	return nil
}

// ReevaluateAll re-checks every slot against the current time.
func (c *Controller) ReevaluateAll() {
	c.send(trigger{kind: trigReevaluate})
}

func (c *Controller) reevaluateSlot(slot int) {
	c.send(trigger{kind: trigReevaluate, slot: slot})
}

// Refresh requests a full read of the lock.
func (c *Controller) Refresh() {
	c.send(trigger{kind: trigRefresh})
}

// ResetSlot returns the slot to defaults and clears it from the lock.
func (c *Controller) ResetSlot(ctx context.Context, slot int) error {
	if !c.lock.HasSlot(slot) {
		return ErrUnknownSlot
	}
	if _, err := c.store.Reset(ctx, c.lock.ID, slot); err != nil {
		return fmt.Errorf("resetting slot %d: %w", slot, err)
	}
	c.send(trigger{kind: trigReevaluate, slot: slot, configChanged: true})
	return nil
}

// SetEnabled switches automation on or off.
func (c *Controller) SetEnabled(enabled bool) {
	c.send(trigger{kind: trigSetEnabled, flag: enabled})
}

// SetConnected reports a connectivity transition pushed by the provider.
func (c *Controller) SetConnected(connected bool) {
	c.send(trigger{kind: trigConnectivity, flag: connected})
}

func (c *Controller) send(t trigger) bool {
	select {
	case c.triggers <- t:
		return true
	case <-c.done:
		return false
	}
}

// Status reports the connection and per-slot sync state.
func (c *Controller) Status() models.LockStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := models.LockStatus{
		LockID:    c.lock.ID,
		Name:      c.lock.Name,
		Platform:  c.lock.Platform,
		Status:    c.connectionStatus(),
		Connected: c.connected,
		Automated: c.enabled,
		Slots:     make([]models.SlotStatus, 0, len(c.slots)),
	}
	for n, s := range c.slots {
		st.Slots = append(st.Slots, slotStatus(n, s))
	}
	sort.Slice(st.Slots, func(i, j int) bool { return st.Slots[i].Number < st.Slots[j].Number })
	return st
}

func slotStatus(n int, s *slotState) models.SlotStatus {
	return models.SlotStatus{
		Number:    n,
		Name:      s.name,
		Active:    s.active,
		Synced:    s.state == models.SyncSynced,
		SyncState: s.state,
		LastError: s.lastErr,
	}
}

func (c *Controller) connectionStatus() models.ConnectionStatus {
	switch {
	case c.connected:
		return models.StatusConnected
	case c.reconnecting:
		return models.StatusConnecting
	default:
		return models.StatusDisconnected
	}
}

func (c *Controller) handle(ctx context.Context, t trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t.kind {
	case trigReevaluate:
		if t.slot == 0 {
			c.reconcileAll(ctx, t.configChanged)
		} else {
			c.reconcile(ctx, t.slot, t.configChanged)
		}
	case trigRefresh:
		c.startRead(true)
	case trigPoll:
		c.startRead(false)
	case trigConnectivity:
		c.setConnected(ctx, t.flag)
	case trigConnectResult:
		if t.gen != c.reconnectGen {
			return
		}
		c.reconnecting = false
		c.reconnectCancel = nil
		if t.err == nil {
			c.setConnected(ctx, true)
		}
	case trigWriteDone:
		c.writeDone(ctx, t.slot, t.write)
	case trigReadDone:
		// A read from an earlier session reports nothing about this one.
		if t.gen != c.readGen {
			return
		}
		c.readDone(ctx, t.read)
	case trigSetEnabled:
		if c.enabled == t.flag {
			return
		}
		c.enabled = t.flag
		c.logger.Info("automation switched", "enabled", t.flag)
		c.reconcileAll(ctx, false)
	}

	c.flush(ctx)
}

func (c *Controller) reconcileAll(ctx context.Context, configChanged bool) {
	for n := range c.slots {
		c.reconcile(ctx, n, configChanged)
	}
}

// reconcile compares one slot's desired and reported state and starts a
// write when they differ.
func (c *Controller) reconcile(ctx context.Context, n int, configChanged bool) {
	st, ok := c.slots[n]
	if !ok {
		return
	}
	desired, err := c.store.Get(ctx, c.lock.ID, n)
	if err != nil || desired == nil {
		c.logger.Error("loading slot", "slot", n, "error", err)
		return
	}

	before := st.view()
	defer func() {
		if st.view() != before {
			c.dirty[n] = true
		}
	}()

	if configChanged {
		st.suspended = false
	}
	st.name = desired.Name
	st.pin = desired.PIN
	st.active = c.eval.IsActive(desired, c.opts.Clock())

	switch {
	case !c.connected:
		st.state = models.SyncDisconnected
		return
	case st.inFlight:
		st.pending = true
		st.pendingConfig = st.pendingConfig || configChanged
		return
	case st.suspended:
		return
	case !st.known:
		c.startRead(false)
		return
	}

	if policy.IsSynced(st.active, st.pin, st.reported) {
		// A syncing slot stays so until a read confirms it.
		if st.state != models.SyncSyncing {
			st.state = models.SyncSynced
			st.lastErr = ""
		}
		return
	}

	if st.state != models.SyncFailed {
		st.state = models.SyncUnsynced
	}
	if !c.enabled {
		return
	}
	c.startWrite(n, st)
}

func (c *Controller) startWrite(n int, st *slotState) {
	st.inFlight = true
	set, code, name := st.active, st.pin, st.name
	if !set {
		code = ""
	}

	ctx := c.connCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.write(ctx, n, set, code, name)
		c.send(trigger{kind: trigWriteDone, slot: n, write: writeResult{set: set, code: code, err: err, at: time.Now()}})
	}()
}

// write runs one set or clear with exponential backoff. Rejected and
// not_found errors stop the retry at once.
func (c *Controller) write(ctx context.Context, n int, set bool, code, name string) error {
	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OperationTimeout)
		defer cancel()

		var err error
		if set {
			err = c.provider.SetUserCode(opCtx, n, code, name)
		} else {
			err = c.provider.ClearUserCode(opCtx, n)
		}
		if err != nil && !lock.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(op, retry, func(err error, next time.Duration) {
		c.logger.Warn("slot write failed, retrying", "slot", n, "set", set, "error", err, "retry_in", next)
	})
}

func (c *Controller) writeDone(ctx context.Context, n int, r writeResult) {
	st, ok := c.slots[n]
	if !ok {
		return
	}
	st.inFlight = false
	c.dirty[n] = true

	switch {
	case r.err == nil:
		st.reported = r.code
		st.known = true
		st.state = models.SyncSyncing
		st.lastErr = ""
		st.writeDoneAt = r.at
		c.logger.Info("slot written", "slot", n, "set", r.set)
		c.scheduleVerify()
	case !c.connected || errors.Is(r.err, context.Canceled):
		if c.connected {
			st.state = models.SyncUnsynced
		} else {
			st.state = models.SyncDisconnected
		}
	default:
		st.state = models.SyncFailed
		st.lastErr = r.err.Error()
		kind := events.DiagnosticRetriesExhausted
		switch lock.KindOf(r.err) {
		case lock.KindNotFound:
			st.suspended = true
			kind = events.DiagnosticNotFound
		case lock.KindRejected:
			st.suspended = true
			kind = events.DiagnosticRejected
		}
		c.logger.Error("slot write failed", "slot", n, "kind", kind, "error", r.err)
		c.diagnose(n, kind, r.err)
		if !c.provider.IsConnected() {
			c.setConnected(ctx, false)
		}
	}

	// A coalesced trigger after a failure only re-runs for a configuration
	// change; the periodic re-evaluation retries otherwise.
	if st.pending && (r.err == nil || st.pendingConfig) {
		cfg := st.pendingConfig
		st.pending, st.pendingConfig = false, false
		c.reconcile(ctx, n, cfg)
	}
	st.pending, st.pendingConfig = false, false
}

func (c *Controller) scheduleVerify() {
	if c.opts.VerifyDelay <= 0 {
		c.startRead(true)
		return
	}
	time.AfterFunc(c.opts.VerifyDelay, func() {
		c.send(trigger{kind: trigRefresh})
	})
}

// startRead launches a full read. A forced read requested during another
// read runs right after it; polls are skipped instead.
func (c *Controller) startRead(force bool) {
	if !c.connected {
		return
	}
	if c.reading {
		c.readPending = c.readPending || force
		return
	}
	c.reading = true
	c.readGen++
	gen := c.readGen

	ctx := c.connCtx
	timeout := c.opts.OperationTimeout * time.Duration(c.lock.SlotCount+1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		started := time.Now()
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		codes, err := c.provider.GetUserCodes(rctx)
		c.send(trigger{kind: trigReadDone, gen: gen, read: readResult{started: started, codes: codes, err: err}})
	}()
}

func (c *Controller) readDone(ctx context.Context, r readResult) {
	c.reading = false

	switch {
	case errors.Is(r.err, context.Canceled):
	case r.err != nil:
		c.logger.Warn("reading codes failed", "error", r.err)
		c.diagnose(0, events.DiagnosticReadFailed, r.err)
		if !c.provider.IsConnected() {
			c.setConnected(ctx, false)
		}
	case c.connected:
		reported := lock.ByNumber(r.codes)
		for n, st := range c.slots {
			cs, ok := reported[n]
			if !ok || st.inFlight {
				continue
			}
			if st.state == models.SyncSyncing {
				if r.started.Before(st.writeDoneAt) {
					// Stale for this slot.
					continue
				}
				st.state = models.SyncUnsynced
			}
			st.reported = ""
			if cs.InUse {
				st.reported = cs.Code
			}
			st.known = true
			c.reconcile(ctx, n, false)
		}
	}

	if c.readPending {
		c.readPending = false
		c.startRead(true)
	}
}

func (c *Controller) setConnected(ctx context.Context, connected bool) {
	if connected {
		if c.connected {
			return
		}
		c.stopReconnect()
		c.connected = true
		c.connCtx, c.connCancel = context.WithCancel(ctx)
		c.logger.Info("lock connected")
		c.emitLock()
		// The full pass runs when this read completes.
		c.startRead(true)
		return
	}

	if !c.connected {
		c.startReconnect(ctx)
		return
	}
	c.connected = false
	c.connCancel()
	c.reading, c.readPending = false, false
	c.readGen++
	for n, st := range c.slots {
		if st.state != models.SyncDisconnected {
			st.state = models.SyncDisconnected
			c.dirty[n] = true
		}
	}
	c.logger.Warn("lock disconnected")
	c.emitLock()
	c.startReconnect(ctx)
}

func (c *Controller) startReconnect(ctx context.Context) {
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	c.reconnectGen++
	gen := c.reconnectGen
	rctx, cancel := context.WithCancel(ctx)
	c.reconnectCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.connect(rctx)
		c.send(trigger{kind: trigConnectResult, gen: gen, err: err})
	}()
}

func (c *Controller) stopReconnect() {
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.reconnecting = false
	c.reconnectGen++
}

// connect retries provider.Connect until it succeeds or ctx ends.
func (c *Controller) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.ReconnectInterval
	b.MaxElapsedTime = 0
	b.Reset()

	reported := false
	return backoff.RetryNotify(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
		return c.provider.Connect(cctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.Warn("connect failed", "error", err, "retry_in", next)
		if !reported {
			reported = true
			c.diagnose(0, events.DiagnosticConnectFailed, err)
		}
	})
}

func (c *Controller) emitLock() {
	c.sink.LockChanged(events.LockChanged{
		LockID:    c.lock.ID,
		Status:    c.connectionStatus(),
		Connected: c.connected,
	})
}

func (c *Controller) diagnose(slot int, kind string, err error) {
	c.sink.Diagnose(events.Diagnostic{
		LockID:     c.lock.ID,
		SlotNumber: slot,
		Kind:       kind,
		Message:    err.Error(),
		Timestamp:  time.Now(),
	})
}

// flush persists and publishes every slot changed by the last trigger.
func (c *Controller) flush(ctx context.Context) {
	if len(c.dirty) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	for n := range c.dirty {
		st := c.slots[n]
		if st == nil {
			continue
		}
		rt := storage.Runtime{
			ReportedPIN: st.reported,
			Active:      st.active,
			SyncState:   st.state,
			LastError:   st.lastErr,
		}
		c.sink.SlotChanged(events.SlotChanged{LockID: c.lock.ID, SlotStatus: slotStatus(n, st)})
		g.Go(func() error {
			return c.store.SaveRuntime(ctx, c.lock.ID, n, rt)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("persisting slot runtime", "error", err)
	}
	clear(c.dirty)
}
