package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// CommandFunc handles one named command. args is the command payload.
type CommandFunc func(ctx context.Context, args udmi.Document) error

// Built-in lifecycle commands.
const (
	CommandReboot    = "reboot"
	CommandTerminate = "terminate"
	CommandShutdown  = "shutdown"
)

// Process exit codes for lifecycle commands. A supervisor restarts the
// process on ExitReboot.
const (
	ExitShutdown  = 0
	ExitReboot    = 192
	ExitTerminate = 193
)

// RegisterCommand installs fn for name, replacing any earlier handler,
// including the built-in lifecycle behaviour.
func (r *Runtime) RegisterCommand(name string, fn CommandFunc) {
	r.cmdMu.Lock()
	r.commands[name] = fn
	r.cmdMu.Unlock()
}

// Execute runs the command registered for name.
func (r *Runtime) Execute(ctx context.Context, name string, args udmi.Document) error {
	r.cmdMu.RLock()
	fn, ok := r.commands[name]
	r.cmdMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if args == nil {
		args = udmi.Document{}
	}
	return fn(ctx, args)
}

// handleCommand routes commands/<name> to the registry. Unknown commands
// are logged and ignored.
func (r *Runtime) handleCommand(ctx context.Context, deviceID, channel string, doc udmi.Document) error {
	if deviceID != r.deviceID {
		return nil
	}
	name := strings.TrimPrefix(channel, udmi.ChannelCommands+"/")
	r.cmdMu.RLock()
	_, ok := r.commands[name]
	r.cmdMu.RUnlock()
	if !ok {
		r.logger.Warn("unknown command", "command", name)
		return nil
	}
	r.logger.Info("command received", "command", name)
	return r.Execute(ctx, name, doc)
}

func (r *Runtime) registerLifecycleCommands() {
	r.commands[CommandReboot] = r.lifecycle(udmi.ModeRestart, ExitReboot)
	r.commands[CommandTerminate] = r.lifecycle(udmi.ModeTerminate, ExitTerminate)
	r.commands[CommandShutdown] = r.lifecycle(udmi.ModeShutdown, ExitShutdown)
}

// lifecycle publishes a final State, stops the runtime and exits with code.
func (r *Runtime) lifecycle(mode string, code int) CommandFunc {
	return func(context.Context, udmi.Document) error {
		r.logger.Warn("lifecycle command, exiting", "mode", mode, "exit_code", code)

		r.mu.Lock()
		r.operationMode = mode
		r.mu.Unlock()
		if err := r.publishState(true); err != nil {
			r.logger.Warn("final state publish failed", "error", err)
		}

		r.Stop()
		r.exit(code)
		return nil
	}
}
