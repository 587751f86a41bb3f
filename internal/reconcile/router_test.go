package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lock-code-manager/backend/internal/storage/models"
)

type routerHarness struct {
	*harness
	router *Router
	offset atomic.Int64
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	rh := &routerHarness{harness: newHarness(t)}
	rh.router = NewRouter(func(id string) (*Controller, bool) {
		if id != rh.lock.ID {
			return nil, false
		}
		return rh.ctrl, true
	}, rh.store, rh.sink, 5*time.Second, nil)
	rh.router.clock = func() time.Time { return testNow.Add(time.Duration(rh.offset.Load())) }
	return rh
}

func (rh *routerHarness) run(t *testing.T) {
	t.Helper()
	rh.start(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rh.router.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (rh *routerHarness) advance(d time.Duration) {
	rh.offset.Add(int64(d))
}

func (rh *routerHarness) keypad(slot int) {
	rh.router.Publish(KeypadUnlock{LockID: rh.lock.ID, Slot: slot, Label: "Keypad Unlock", ActionCode: 6, Qualifies: true})
}

func TestRouter_KeypadUnlockCountsUsage(t *testing.T) {
	rh := newRouterHarness(t)
	rh.store.configure(rh.lock.ID, 3, func(s *models.CodeSlot) {
		s.PIN = "3333"
		s.Name = "Weekend guest"
		s.Enabled = true
		s.Notifications = true
		s.UsageLimitEnabled = true
		s.UsageRemaining = 2
	})
	rh.run(t)
	rh.waitAllSynced(t)

	rh.keypad(3)
	waitFor(t, func() bool { return len(rh.sink.notes()) == 1 }, "first notification")

	n := rh.sink.notes()[0]
	if n.SlotNumber != 3 || n.SlotName != "Weekend guest" || n.LockName != "Front Door" || !n.Notify {
		t.Errorf("notification = %+v", n)
	}
	if n.UsageRemaining == nil || *n.UsageRemaining != 1 {
		t.Errorf("notification usage remaining = %v, want 1", n.UsageRemaining)
	}
	if got := rh.store.slot(rh.lock.ID, 3).UsageRemaining; got != 1 {
		t.Errorf("stored usage remaining = %d, want 1", got)
	}

	// Repeats inside the throttle window are dropped.
	rh.keypad(3)
	settle()
	if got := len(rh.sink.notes()); got != 1 {
		t.Errorf("notifications after duplicate = %d, want 1", got)
	}
	if got := rh.store.slot(rh.lock.ID, 3).UsageRemaining; got != 1 {
		t.Errorf("usage remaining after duplicate = %d, want 1", got)
	}

	// The last use deactivates the slot and its code is cleared.
	rh.advance(6 * time.Second)
	rh.keypad(3)
	waitFor(t, func() bool {
		return rh.provider.Code(3) == "" && rh.slotStatus(3).Synced && !rh.slotStatus(3).Active
	}, "exhausted slot 3 to be cleared")

	// Further events never drive the count below zero.
	rh.advance(6 * time.Second)
	rh.keypad(3)
	waitFor(t, func() bool { return len(rh.sink.notes()) == 3 }, "third notification")
	if got := rh.store.slot(rh.lock.ID, 3).UsageRemaining; got != 0 {
		t.Errorf("usage remaining = %d, want 0", got)
	}
	if last := rh.sink.notes()[2]; last.UsageRemaining == nil || *last.UsageRemaining != 0 {
		t.Errorf("last notification usage = %v, want 0", last.UsageRemaining)
	}
}

func TestRouter_NonQualifyingEvents(t *testing.T) {
	rh := newRouterHarness(t)
	rh.store.configure(rh.lock.ID, 2, func(s *models.CodeSlot) {
		s.PIN = "2222"
		s.Enabled = true
		s.UsageLimitEnabled = true
		s.UsageRemaining = 5
	})
	rh.run(t)
	rh.waitAllSynced(t)

	rh.router.Publish(KeypadUnlock{LockID: rh.lock.ID, Label: "Manual Lock", ActionCode: 1})
	rh.router.Publish(KeypadUnlock{LockID: rh.lock.ID, Slot: 2, Label: "RF Unlock", ActionCode: 4})
	rh.router.Publish(KeypadUnlock{LockID: rh.lock.ID, Slot: 42, Label: "Keypad Unlock", ActionCode: 6, Qualifies: true})
	rh.router.Publish(KeypadUnlock{LockID: "other-lock", Slot: 2, Label: "Keypad Unlock", ActionCode: 6, Qualifies: true})

	waitFor(t, func() bool { return len(rh.sink.notes()) == 3 }, "three notifications")
	settle()

	notes := rh.sink.notes()
	if len(notes) != 3 {
		t.Fatalf("notifications = %d, want 3 (unknown lock dropped)", len(notes))
	}
	for _, n := range notes {
		if n.SlotNumber != 0 || n.UsageRemaining != nil {
			t.Errorf("notification %+v, want slot 0 without usage", n)
		}
	}
	if notes[0].ActionLabel != "Manual Lock" || notes[1].ActionCode != 4 {
		t.Errorf("notifications = %+v", notes)
	}
	if got := rh.store.slot(rh.lock.ID, 2).UsageRemaining; got != 5 {
		t.Errorf("usage remaining = %d, want 5", got)
	}
}

func TestRouter_ConnectivityReachesController(t *testing.T) {
	rh := newRouterHarness(t)
	rh.run(t)
	rh.waitAllSynced(t)

	rh.router.Publish(ConnectivityChanged{LockID: rh.lock.ID, Connected: false})

	// The provider is still reachable, so the reconnect loop restores it.
	waitFor(t, func() bool { return len(rh.sink.lockChanges()) >= 3 }, "disconnect and reconnect")
	changes := rh.sink.lockChanges()
	if changes[1].Connected || changes[1].Status != models.StatusDisconnected {
		t.Errorf("second lock change = %+v, want disconnected", changes[1])
	}
	if !changes[2].Connected {
		t.Errorf("third lock change = %+v, want connected", changes[2])
	}
}

func TestRouter_PublishNeverBlocks(t *testing.T) {
	r := NewRouter(func(string) (*Controller, bool) { return nil, false }, newMemStore(), nil, 0, nil)

	accepted := 0
	for i := 0; i < cap(r.events)+10; i++ {
		if r.Publish(ConnectivityChanged{LockID: "lock-1"}) {
			accepted++
		}
	}
	if accepted != cap(r.events) {
		t.Errorf("accepted = %d, want %d", accepted, cap(r.events))
	}
}

func TestRouter_ThrottleKeys(t *testing.T) {
	r := NewRouter(nil, nil, nil, 5*time.Second, nil)
	key := throttleKey{"lock-1", 3, 6}

	tests := []struct {
		key  throttleKey
		at   time.Duration
		want bool
	}{
		{key, 0, false},
		{key, time.Second, true},
		{throttleKey{"lock-1", 4, 6}, time.Second, false},
		{throttleKey{"lock-2", 3, 6}, time.Second, false},
		{throttleKey{"lock-1", 3, 1}, time.Second, false},
		{key, 5 * time.Second, false},
	}
	for _, tt := range tests {
		if got := r.throttled(tt.key, testNow.Add(tt.at)); got != tt.want {
			t.Errorf("throttled(%v, +%v) = %v, want %v", tt.key, tt.at, got, tt.want)
		}
	}
}
