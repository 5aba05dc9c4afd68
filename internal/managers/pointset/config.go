package pointset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

type writeback struct {
	name  string
	value any
	raw   json.RawMessage
}

// ApplyConfig reconciles the point model against the pointset block:
// provisions and removes config points, applies overrides, updates the
// sample rate and performs set_value writebacks. Writeback outcomes are
// reported per point rather than as a manager error.
func (m *Manager) ApplyConfig(_ context.Context, raw json.RawMessage) error {
	var cfg udmi.PointsetConfig
	if len(raw) > 0 && !isNull(raw) {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decoding pointset config: %w", err)
		}
	}
	now := m.now()
	expired := cfg.SetValueExpiry != nil && cfg.SetValueExpiry.Before(now)

	var writes []writeback

	m.mu.Lock()
	rate := cfg.SampleRateSec
	if rate <= 0 {
		rate = m.defaultRate
	}
	rateChanged := rate != m.rateSec
	m.rateSec = rate

	for name, pc := range cfg.Points {
		pc := pc
		p, ok := m.points[name]
		switch {
		case !ok:
			p = newPoint(name, originConfig, udmi.PointMetadata{})
			m.points[name] = p
		case p.origin == originDynamic:
			p.origin = originConfig
		}
		p.configure(&pc)
	}

	for name, p := range m.points {
		pc, inConfig := cfg.Points[name]
		if !inConfig {
			if p.origin == originConfig {
				delete(m.points, name)
				continue
			}
			p.configure(nil)
		}

		setValue := pc.SetValue
		if expired || isNull(setValue) {
			setValue = nil
		}

		switch {
		case len(setValue) == 0:
			if p.setValue != nil {
				p.setValue = nil
				p.valueState = ""
				clearWritebackStatus(p)
			}
		case sameSetValue(setValue, p.setValue):
			// Already handled.
		case !p.writable:
			p.setValue = setValue
			p.valueState = udmi.ValueStateInvalid
			p.status = udmi.NewStatus(categoryReadOnly, udmi.LevelWarning, "point is not writable", now)
		default:
			var v any
			if err := json.Unmarshal(setValue, &v); err != nil {
				p.setValue = setValue
				p.valueState = udmi.ValueStateInvalid
				p.status = udmi.NewStatus(categoryWriteback, udmi.LevelWarning, "unparseable set_value", now)
				continue
			}
			if f, numeric := toFloat(v); numeric && !p.inRange(f) {
				p.setValue = setValue
				p.valueState = udmi.ValueStateInvalid
				p.status = udmi.NewStatus(categoryOutOfRange, udmi.LevelWarning,
					fmt.Sprintf("set_value %v outside range %s", v, rangeString(p)), now)
				continue
			}
			p.setValue = setValue
			p.valueState = udmi.ValueStateUpdating
			writes = append(writes, writeback{name: name, value: v, raw: setValue})
		}
	}
	logger := m.logger
	m.mu.Unlock()

	for _, w := range writes {
		m.applyWriteback(w, logger)
	}

	if rateChanged {
		select {
		case m.rateCh <- struct{}{}:
		default:
		}
	}
	m.markDirty()
	return nil
}

func (m *Manager) applyWriteback(w writeback, logger device.Logger) {
	var err error
	if m.opts.Writeback == nil {
		logger.Warn("no writeback handler, caching set_value", "point", w.name)
	} else {
		err = safeWriteback(m.opts.Writeback, w.name, w.value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[w.name]
	if !ok || !sameSetValue(p.setValue, w.raw) {
		return
	}
	if err != nil {
		logger.Warn("writeback failed", "point", w.name, "error", err)
		p.valueState = udmi.ValueStateFailure
		p.status = udmi.NewStatus(categoryWriteback, udmi.LevelError, err.Error(), m.now())
		return
	}
	p.valueState = udmi.ValueStateApplied
	clearWritebackStatus(p)
	p.value = w.value
	p.hasValue = true
	p.dirty = true
	p.seq++
}

func safeWriteback(fn WritebackFunc, name string, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writeback panic: %v", r)
		}
	}()
	return fn(name, value)
}

func clearWritebackStatus(p *point) {
	if p.status == nil {
		return
	}
	switch p.status.Category {
	case categoryWriteback, categoryReadOnly, categoryOutOfRange:
		p.status = nil
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
