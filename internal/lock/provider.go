// Package lock defines the provider contract that normalises lock platforms
// and the platform adapters that implement it.
package lock

import (
	"context"
	"strings"
	"sync"
)

// CodeSlot is one slot as reported by the lock hardware.
type CodeSlot struct {
	Number int
	Code   string
	InUse  bool
	Name   string
}

// Provider talks to one physical lock.
//
// Connect is idempotent and bounded by ctx. GetUserCodes returns a complete
// snapshot of the managed slots or an error, never a partial list. Set and
// clear are idempotent: repeating them leaves the lock unchanged.
type Provider interface {
	Platform() string
	Connect(ctx context.Context) error
	IsConnected() bool
	GetUserCodes(ctx context.Context) ([]CodeSlot, error)
	SetUserCode(ctx context.Context, slot int, code, name string) error
	ClearUserCode(ctx context.Context, slot int) error
	Close() error
}

// LockEvent is a lock activity reported by the platform.
type LockEvent struct {
	Slot       int
	Label      string
	ActionCode int
	// KeypadUnlock marks an unlock by a user code. Only these events count
	// against a slot's usage limit.
	KeypadUnlock bool
	Raw          []byte
}

// LockEventFunc receives lock activity. It must not block.
type LockEventFunc func(ev LockEvent)

// ConnectionFunc receives connectivity transitions. It must not block.
type ConnectionFunc func(connected bool)

// EventSubscriber is implemented by providers that push lock activity.
type EventSubscriber interface {
	SubscribeLockEvents(fn LockEventFunc) (cancel func())
}

// ConnectionNotifier is implemented by providers that push connectivity.
type ConnectionNotifier interface {
	SubscribeConnectionEvents(fn ConnectionFunc) (cancel func())
}

// SupportsPushUpdates reports whether p pushes lock activity. Providers that
// don't are polled.
func SupportsPushUpdates(p Provider) bool {
	_, ok := p.(EventSubscriber)
	return ok
}

// SupportsConnectionStatus reports whether p pushes connectivity changes.
func SupportsConnectionStatus(p Provider) bool {
	_, ok := p.(ConnectionNotifier)
	return ok
}

// ByNumber indexes a snapshot by slot number.
func ByNumber(slots []CodeSlot) map[int]CodeSlot {
	out := make(map[int]CodeSlot, len(slots))
	for _, s := range slots {
		out[s.Number] = s
	}
	return out
}

// isCleared matches the firmware that reports an empty slot as all zeros.
func isCleared(code string) bool {
	return strings.Trim(code, "0") == ""
}

// subscribers implements EventSubscriber and ConnectionNotifier for
// providers that embed it.
type subscribers struct {
	mu   sync.Mutex
	lock map[int]LockEventFunc
	conn map[int]ConnectionFunc
	next int
}

func (s *subscribers) SubscribeLockEvents(fn LockEventFunc) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		s.lock = make(map[int]LockEventFunc)
	}
	id := s.next
	s.next++
	s.lock[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.lock, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) SubscribeConnectionEvents(fn ConnectionFunc) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.conn = make(map[int]ConnectionFunc)
	}
	id := s.next
	s.next++
	s.conn[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.conn, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) emitLock(ev LockEvent) {
	s.mu.Lock()
	fns := make([]LockEventFunc, 0, len(s.lock))
	for _, fn := range s.lock {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *subscribers) emitConnection(connected bool) {
	s.mu.Lock()
	fns := make([]ConnectionFunc, 0, len(s.conn))
	for _, fn := range s.conn {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}
