package device

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// fingerprintMode encodes with RFC 8949 core deterministic rules, so equal
// documents always hash equal regardless of map order.
var fingerprintMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Fingerprint hashes a State with its timestamp excluded. Manager
// contributions arrive as raw JSON in whatever key order and spacing the
// manager produced, so the document is decoded to plain values first and
// then encoded as deterministic CBOR; two states that differ only in raw
// layout hash equal.
func Fingerprint(s udmi.State) ([32]byte, error) {
	s.Timestamp = time.Time{}
	data, err := json.Marshal(s)
	if err != nil {
		return [32]byte{}, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return [32]byte{}, err
	}
	enc, err := fingerprintMode.Marshal(generic)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(enc), nil
}

// publishState builds the State and publishes it unless it matches the last
// one published. force publishes regardless. The state mutex is held for
// the whole sequence so concurrent callers cannot interleave.
func (r *Runtime) publishState(force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.buildStateLocked()
	fp, err := Fingerprint(state)
	if err != nil {
		return fmt.Errorf("fingerprinting state: %w", err)
	}
	r.lastState = state
	if !force && r.published && fp == r.fingerprint {
		r.metrics.StateSuppressed()
		return nil
	}

	state.Timestamp = r.now().UTC()
	if err := r.messenger.PublishState(state); err != nil {
		return err
	}
	r.lastState = state
	r.fingerprint = fp
	r.published = true
	r.metrics.StatePublished()
	r.logger.Debug("state published", "device_id", r.deviceID)
	return nil
}

func (r *Runtime) buildStateLocked() udmi.State {
	state := udmi.State{
		Version:       udmi.Version,
		Contributions: make(map[string]json.RawMessage),
	}

	var sys *udmi.SystemState
	for _, m := range r.managerList() {
		var contrib any
		_ = r.safeCall(m, func() error { contrib = m.State(); return nil })
		if contrib == nil {
			continue
		}
		if m.Key() == udmi.KeySystem {
			switch s := contrib.(type) {
			case *udmi.SystemState:
				if s != nil {
					cp := *s
					sys = &cp
				}
				continue
			case udmi.SystemState:
				sys = &s
				continue
			}
		}
		raw, err := json.Marshal(contrib)
		if err != nil {
			r.logger.Error("manager state not serializable", "manager", m.Name(), "error", err)
			continue
		}
		if string(raw) == "null" {
			continue
		}
		state.Contributions[m.Key()] = raw
	}

	if sys == nil {
		sys = &udmi.SystemState{
			Operation: udmi.OperationState{Operational: true, LastStart: r.startTime.UTC()},
		}
	}
	sys.LastConfig = r.lastConfig

	names := make([]string, 0, len(r.statuses))
	for name := range r.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := []*udmi.Status{sys.Status}
	for _, name := range names {
		entries = append(entries, r.statuses[name])
	}
	sys.Status = udmi.MostSevere(entries...)

	if r.operationMode != "" {
		now := r.now().UTC()
		sys.Operation.Operational = false
		sys.Operation.Mode = r.operationMode
		sys.Operation.LastShutdown = &now
	}

	state.System = sys
	return state
}
