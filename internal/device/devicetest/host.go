// Package devicetest provides a recording device.Host for manager tests.
package devicetest

import (
	"encoding/json"
	"sync"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/persistence"
)

// Event is one published event.
type Event struct {
	Subfolder string
	Payload   json.RawMessage
}

// Host records everything a manager does through device.Host.
type Host struct {
	ID    string
	Store persistence.Backend

	mu         sync.Mutex
	events     []Event
	dirty      int
	PublishErr error
}

var _ device.Host = (*Host)(nil)

// NewHost returns a Host for deviceID backed by memory persistence.
func NewHost(deviceID string) *Host {
	return &Host{ID: deviceID, Store: persistence.NewMemoryBackend()}
}

func (h *Host) DeviceID() string { return h.ID }

func (h *Host) PublishEvent(subfolder string, doc any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PublishErr != nil {
		return h.PublishErr
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	h.events = append(h.events, Event{Subfolder: subfolder, Payload: payload})
	return nil
}

func (h *Host) MarkDirty() {
	h.mu.Lock()
	h.dirty++
	h.mu.Unlock()
}

func (h *Host) Persistence() persistence.Backend { return h.Store }

func (h *Host) Logger() device.Logger { return nopLogger{} }

// Events returns the events published under subfolder.
func (h *Host) Events(subfolder string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Subfolder == subfolder {
			out = append(out, e)
		}
	}
	return out
}

// DirtyCount returns how many times MarkDirty was called.
func (h *Host) DirtyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
