package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/policy"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// Wednesday 2024-05-15 12:00 UTC.
var testNow = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

type slotKey struct {
	lockID string
	number int
}

// memStore is an in-memory SlotStore and LockStore.
type memStore struct {
	mu     sync.Mutex
	slots  map[slotKey]*models.CodeSlot
	locks  []models.Lock
	status map[string]models.ConnectionStatus
}

func newMemStore(locks ...models.Lock) *memStore {
	s := &memStore{
		slots:  make(map[slotKey]*models.CodeSlot),
		locks:  locks,
		status: make(map[string]models.ConnectionStatus),
	}
	for _, lk := range locks {
		s.addSlots(lk)
	}
	return s
}

func (s *memStore) addSlots(lk models.Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range lk.SlotNumbers() {
		if _, ok := s.slots[slotKey{lk.ID, n}]; !ok {
			slot := models.NewCodeSlot(lk.ID, n)
			s.slots[slotKey{lk.ID, n}] = &slot
		}
	}
}

func (s *memStore) configure(lockID string, n int, fn func(*models.CodeSlot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.slots[slotKey{lockID, n}])
}

func (s *memStore) slot(lockID string, n int) models.CodeSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.slots[slotKey{lockID, n}]
}

func (s *memStore) Get(_ context.Context, lockID string, n int) (*models.CodeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotKey{lockID, n}]
	if !ok {
		return nil, nil
	}
	cp := *slot
	return &cp, nil
}

func (s *memStore) List(_ context.Context, lockID string) ([]models.CodeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CodeSlot
	for k, slot := range s.slots {
		if k.lockID == lockID {
			out = append(out, *slot)
		}
	}
	return out, nil
}

func (s *memStore) SaveRuntime(_ context.Context, lockID string, n int, rt storage.Runtime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[slotKey{lockID, n}]
	slot.ReportedPIN = rt.ReportedPIN
	slot.Active = rt.Active
	slot.SyncState = rt.SyncState
	slot.LastError = rt.LastError
	return nil
}

func (s *memStore) Reset(_ context.Context, lockID string, n int) (*models.CodeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[slotKey{lockID, n}]
	slot.Reset()
	cp := *slot
	return &cp, nil
}

func (s *memStore) DecrementUsage(_ context.Context, lockID string, n int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[slotKey{lockID, n}]
	if !slot.UsageLimitEnabled || slot.UsageRemaining <= 0 {
		return slot.UsageRemaining, false, nil
	}
	slot.UsageRemaining--
	return slot.UsageRemaining, true, nil
}

func (s *memStore) ListLocks() []models.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Lock(nil), s.locks...)
}

// lockStore adapts memStore to LockStore.
type lockStore struct{ *memStore }

func (s lockStore) List(context.Context) ([]models.Lock, error) {
	return s.ListLocks(), nil
}

func (s lockStore) UpdateStatus(_ context.Context, id string, status models.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = status
	return nil
}

func (s lockStore) statusOf(id string) models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

// probe wraps a virtual lock to count calls, inject failures and hold
// writes or reads until released.
type probe struct {
	*lock.VirtualProvider

	mu          sync.Mutex
	sets        int
	clears      int
	reads       int
	inFlight    int
	maxInFlight int
	failures    []error
	gate        chan struct{}

	readsInFlight int
	readGate      chan struct{}
}

func newProbe(lk models.Lock) *probe {
	return &probe{VirtualProvider: lock.NewVirtualProvider(lk)}
}

func (p *probe) failNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

func (p *probe) hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
}

func (p *probe) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// holdReads makes reads started from now on wait until the returned
// channel is closed. Held reads ignore cancellation, like a slow radio.
func (p *probe) holdReads() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readGate = make(chan struct{})
	return p.readGate
}

func (p *probe) readsNow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readsInFlight
}

func (p *probe) counts() (sets, clears, reads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sets, p.clears, p.reads
}

func (p *probe) concurrency() (now, peak int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight, p.maxInFlight
}

func (p *probe) enter(ctx context.Context, op string, slot int, set bool) error {
	p.mu.Lock()
	if set {
		p.sets++
	} else {
		p.clears++
	}
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	var err error
	if len(p.failures) > 0 {
		err, p.failures = p.failures[0], p.failures[1:]
	}
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return lock.Classify(op, slot, ctx.Err())
		}
	}
	return err
}

func (p *probe) leave() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *probe) SetUserCode(ctx context.Context, slot int, code, name string) error {
	defer p.leave()
	if err := p.enter(ctx, "set_user_code", slot, true); err != nil {
		return err
	}
	return p.VirtualProvider.SetUserCode(ctx, slot, code, name)
}

func (p *probe) ClearUserCode(ctx context.Context, slot int) error {
	defer p.leave()
	if err := p.enter(ctx, "clear_user_code", slot, false); err != nil {
		return err
	}
	return p.VirtualProvider.ClearUserCode(ctx, slot)
}

func (p *probe) GetUserCodes(ctx context.Context) ([]lock.CodeSlot, error) {
	p.mu.Lock()
	p.reads++
	p.readsInFlight++
	gate := p.readGate
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.readsInFlight--
		p.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	return p.VirtualProvider.GetUserCodes(ctx)
}

// recordSink keeps every emitted event.
type recordSink struct {
	mu            sync.Mutex
	notifications []events.Notification
	diagnostics   []events.Diagnostic
	slots         []events.SlotChanged
	locks         []events.LockChanged
}

func (s *recordSink) Notify(n events.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
}

func (s *recordSink) Diagnose(d events.Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics = append(s.diagnostics, d)
}

func (s *recordSink) SlotChanged(c events.SlotChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, c)
}

func (s *recordSink) LockChanged(c events.LockChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = append(s.locks, c)
}

func (s *recordSink) notes() []events.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Notification(nil), s.notifications...)
}

func (s *recordSink) diags() []events.Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Diagnostic(nil), s.diagnostics...)
}

func (s *recordSink) lockChanges() []events.LockChanged {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.LockChanged(nil), s.locks...)
}

func testLock() models.Lock {
	return models.Lock{ID: "lock-1", Name: "Front Door", Platform: models.PlatformVirtual, StartSlot: 1, SlotCount: 4}
}

func testOptions() Options {
	return Options{
		Enabled:           true,
		ConnectTimeout:    time.Second,
		OperationTimeout:  time.Second,
		MaxAttempts:       3,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		Clock:             func() time.Time { return testNow },
	}
}

func testEvaluator() *policy.Evaluator {
	return policy.NewEvaluatorWithLocation(time.UTC)
}

type harness struct {
	lock     models.Lock
	provider *probe
	store    *memStore
	sink     *recordSink
	ctrl     *Controller
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	lk := testLock()
	opts := testOptions()
	for _, fn := range mutate {
		fn(&opts)
	}

	h := &harness{
		lock:     lk,
		provider: newProbe(lk),
		store:    newMemStore(lk),
		sink:     &recordSink{},
	}
	h.ctrl = NewController(lk, h.provider, h.store, testEvaluator(), h.sink, opts, nil)
	h.provider.SubscribeConnectionEvents(h.ctrl.SetConnected)
	return h
}

// start runs the controller until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		h.provider.release()
		cancel()
		<-done
	})
}

func (h *harness) enable(n int, pin, name string) {
	h.store.configure(h.lock.ID, n, func(s *models.CodeSlot) {
		s.PIN = pin
		s.Name = name
		s.Enabled = true
	})
}

func (h *harness) slotStatus(n int) models.SlotStatus {
	for _, s := range h.ctrl.Status().Slots {
		if s.Number == n {
			return s
		}
	}
	return models.SlotStatus{}
}

func (h *harness) waitState(t *testing.T, n int, want models.SyncState) {
	t.Helper()
	waitFor(t, func() bool { return h.slotStatus(n).SyncState == want }, "slot %d state %s", n, want)
}

func (h *harness) waitAllSynced(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		st := h.ctrl.Status()
		if !st.Connected {
			return false
		}
		for _, s := range st.Slots {
			if !s.Synced {
				return false
			}
		}
		return true
	}, "all slots synced")
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

// settle gives the run loop time to act on triggers that should change
// nothing.
func settle() {
	time.Sleep(50 * time.Millisecond)
}
