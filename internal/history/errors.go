package history

import "errors"

var (
	// ErrDisabled indicates the history writer is disabled in configuration.
	ErrDisabled = errors.New("history: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("history: connection failed")

	// ErrNotConnected indicates the writer was closed.
	ErrNotConnected = errors.New("history: not connected")
)
