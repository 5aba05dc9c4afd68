package device

import "errors"

var (
	// ErrDuplicateManager is returned when two managers share a key.
	ErrDuplicateManager = errors.New("device: duplicate manager")

	// ErrAlreadyStarted is returned by AddManager after Start.
	ErrAlreadyStarted = errors.New("device: runtime already started")

	// ErrUnknownCommand is returned for a command nobody registered.
	ErrUnknownCommand = errors.New("device: unknown command")

	// ErrShuttingDown is returned for work refused during shutdown.
	ErrShuttingDown = errors.New("device: shutting down")
)
