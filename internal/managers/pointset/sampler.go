package pointset

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

func (m *Manager) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.SampleRate())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.rateCh:
			ticker.Reset(m.SampleRate())
		case <-ticker.C:
			if err := m.Sample(); err != nil {
				m.mu.Lock()
				logger := m.logger
				m.mu.Unlock()
				logger.Warn("pointset sample failed", "error", err)
			}
		}
	}
}

type sample struct {
	name  string
	units string
	value any
	seq   uint64
}

// Sample publishes every dirty point that passes change-of-value filtering
// as one events/pointset message. Points stay dirty if publishing fails.
func (m *Manager) Sample() error {
	m.mu.Lock()
	host := m.host
	if host == nil {
		m.mu.Unlock()
		return nil
	}
	var batch []sample
	for name, p := range m.points {
		if p.shouldPublish() {
			batch = append(batch, sample{name: name, units: p.units, value: p.value, seq: p.seq})
			continue
		}
		p.dirty = false
	}
	total := len(m.points)
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	now := m.now().UTC()
	ev := udmi.PointsetEvent{
		Version:   udmi.Version,
		Timestamp: now,
		Partial:   len(batch) < total,
		Points:    make(map[string]udmi.PointValue, len(batch)),
	}
	for _, s := range batch {
		ev.Points[s.name] = udmi.PointValue{PresentValue: s.value}
	}
	if err := host.PublishEvent(udmi.SubfolderPointset, ev); err != nil {
		return fmt.Errorf("publishing pointset event: %w", err)
	}

	m.mu.Lock()
	for _, s := range batch {
		if p, ok := m.points[s.name]; ok {
			p.lastPublished = s.value
			if p.seq == s.seq {
				p.dirty = false
			}
		}
	}
	m.mu.Unlock()

	m.opts.Metrics.PointValuesPublished(len(batch))
	if m.opts.Historian != nil {
		for _, s := range batch {
			if f, ok := toFloat(s.value); ok {
				m.opts.Historian.WritePointValue(host.DeviceID(), s.name, s.units, f, now)
			}
		}
	}
	return nil
}
