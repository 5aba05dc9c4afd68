package device

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nerrad567/udmi-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// handleConfig is the dispatcher handler for config. Proxy configs arrive
// here too and are left to the gateway manager.
func (r *Runtime) handleConfig(ctx context.Context, deviceID, _ string, doc udmi.Document) error {
	if deviceID != r.deviceID {
		return nil
	}
	return r.ApplyConfig(ctx, doc)
}

// ApplyConfig reconciles doc against every manager whose key is present (or
// that always applies), then publishes State if it changed. Applying the
// same document twice publishes once.
//
// The sequence is:
//  1. Record the config timestamp and keep a copy of the document
//  2. Hand each manager its own subsection; failures become status entries
//  3. Move to SteadyState on the first config
//  4. Publish State unless its fingerprint is unchanged
//  5. Run a lifecycle command requested through system.operation
//
// Returns:
//   - error: ErrShuttingDown once Stop has begun; manager errors are not returned
func (r *Runtime) ApplyConfig(ctx context.Context, doc udmi.Document) error {
	if r.Phase() == PhaseShuttingDown {
		return ErrShuttingDown
	}

	ts := doc.Timestamp()
	if ts.IsZero() {
		ts = r.now()
	}
	r.mu.Lock()
	r.lastConfig = ts.UTC()
	r.configDoc = doc.Clone()
	r.mu.Unlock()

	for _, m := range r.managerList() {
		key := m.Key()
		present := doc.Has(key)
		if !present && !m.AlwaysApply() {
			continue
		}
		var raw json.RawMessage
		if present {
			raw = append(json.RawMessage(nil), doc[key]...)
		}

		err := r.safeCall(m, func() error { return m.ApplyConfig(ctx, raw) })
		if err != nil {
			r.logger.Error("config apply failed", "manager", m.Name(), "key", key, "error", err)
			r.metrics.ManagerError(m.Name())
		}
		r.setStatus(m.Name(), err)
	}
	r.metrics.ConfigApplied()

	if r.phase.CompareAndSwap(int32(PhaseAwaitingFirstConfig), int32(PhaseSteadyState)) ||
		r.phase.CompareAndSwap(int32(PhaseConnecting), int32(PhaseSteadyState)) {
		r.logger.Info("first config applied", "timestamp", ts)
	}

	if err := r.publishState(false); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		r.logger.Warn("state publish after config failed", "error", err)
	}

	r.checkOperationMode(ctx, doc)
	return nil
}

// checkOperationMode runs the lifecycle command requested by
// system.operation when its last_start is newer than this process.
func (r *Runtime) checkOperationMode(ctx context.Context, doc udmi.Document) {
	var sys udmi.SystemConfig
	if err := doc.Decode(udmi.KeySystem, &sys); err != nil {
		return
	}
	op := sys.Operation
	if op == nil || op.LastStart == nil || !op.LastStart.After(r.startTime) {
		return
	}

	var command string
	switch op.Mode {
	case udmi.ModeRestart:
		command = CommandReboot
	case udmi.ModeTerminate:
		command = CommandTerminate
	case udmi.ModeShutdown:
		command = CommandShutdown
	default:
		return
	}
	r.logger.Info("operation mode requested by config", "mode", op.Mode, "last_start", op.LastStart)
	if err := r.Execute(ctx, command, nil); err != nil {
		r.logger.Error("operation mode command failed", "command", command, "error", err)
	}
}
