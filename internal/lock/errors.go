package lock

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies provider failures by how the controller must react.
type Kind int

const (
	// KindTransient covers connectivity problems. Retried with backoff.
	KindTransient Kind = iota
	// KindRejected means the lock refused the operation. Not retried.
	KindRejected
	// KindTimeout is retried like a transient failure.
	KindTimeout
	// KindNotFound means the device or slot no longer exists.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Sentinels matching each kind with errors.Is.
var (
	ErrTransient = errors.New("lock: transient failure")
	ErrRejected  = errors.New("lock: operation rejected")
	ErrTimeout   = errors.New("lock: operation timed out")
	ErrNotFound  = errors.New("lock: device or slot not found")
)

// ErrNotConnected is a transient error for calls made without a session.
var ErrNotConnected = &Error{Kind: KindTransient, Op: "call", Err: errors.New("not connected")}

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Op   string
	Slot int
	Err  error
}

func (e *Error) Error() string {
	if e.Slot > 0 {
		return fmt.Sprintf("%s slot %d: %s: %v", e.Op, e.Slot, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

func newError(kind Kind, op string, slot int, err error) *Error {
	return &Error{Kind: kind, Op: op, Slot: slot, Err: err}
}

// Transient wraps err as a transient failure.
func Transient(op string, slot int, err error) error { return newError(KindTransient, op, slot, err) }

// Rejected wraps err as a rejected operation.
func Rejected(op string, slot int, err error) error { return newError(KindRejected, op, slot, err) }

// NotFound wraps err as a missing device or slot.
func NotFound(op string, slot int, err error) error { return newError(KindNotFound, op, slot, err) }

// Classify wraps an unclassified transport error. Deadline errors become
// timeouts; anything else becomes transient.
func Classify(op string, slot int, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return newError(KindOf(err), op, slot, err)
}

// KindOf returns the kind of any error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransient
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}
