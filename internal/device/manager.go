package device

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/udmi-device/internal/persistence"
)

// Manager is one subsystem of the device. Its State is published under Key.
type Manager interface {
	// Name identifies the manager in logs and status categories.
	Name() string

	// Key is the top-level config and state key the manager owns.
	Key() string

	// AlwaysApply reports whether ApplyConfig runs even when the config
	// document has no entry under Key. raw is nil in that case.
	AlwaysApply() bool

	// Start begins any background work. It must not block.
	Start(ctx context.Context, host Host) error

	// ApplyConfig reconciles the manager against its config sub-tree. raw
	// is a private copy the manager may keep.
	ApplyConfig(ctx context.Context, raw json.RawMessage) error

	// State returns the manager's contribution, or nil for none. It must be
	// safe to call from any goroutine.
	State() any

	// Stop ends background work and blocks until every worker has exited.
	Stop()
}

// ConnectionObserver is implemented by managers that act on every transport
// (re)connect, such as a gateway re-attaching its proxies.
type ConnectionObserver interface {
	OnConnected()
}

// Host is what the runtime offers its managers.
type Host interface {
	DeviceID() string
	PublishEvent(subfolder string, doc any) error
	MarkDirty()
	Persistence() persistence.Backend
	Logger() Logger
}

// Logger is the logging interface used by the runtime and its managers.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// componentLogger tags every line with the manager name.
type componentLogger struct {
	Logger
	component string
}

func (l componentLogger) with(args []any) []any {
	return append([]any{"component", l.component}, args...)
}

func (l componentLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.with(args)...) }
func (l componentLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.with(args)...) }
func (l componentLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.with(args)...) }
func (l componentLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.with(args)...) }

// host binds one manager to the runtime.
type host struct {
	r      *Runtime
	logger Logger
}

func (h host) DeviceID() string { return h.r.deviceID }

func (h host) PublishEvent(subfolder string, doc any) error {
	return h.r.PublishEvent(subfolder, doc)
}

func (h host) MarkDirty() { h.r.MarkDirty() }

func (h host) Persistence() persistence.Backend { return h.r.store }

func (h host) Logger() Logger { return h.logger }
