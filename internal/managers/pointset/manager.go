// Package pointset implements the "pointset" manager: the device's point
// model, change-of-value telemetry, range validation and config writeback.
package pointset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// DefaultSampleRateSec applies when neither config nor metadata set a rate.
const DefaultSampleRateSec = 10

// WritebackFunc applies a cloud-requested set_value to the field device.
type WritebackFunc func(name string, value any) error

// Historian records published point values.
type Historian interface {
	WritePointValue(deviceID, point, units string, value float64, at time.Time)
}

// Options configures the manager.
type Options struct {
	Metadata      *udmi.PointsetMetadata
	SampleRateSec int
	Writeback     WritebackFunc
	Historian     Historian
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Point is a read-only view of one point.
type Point struct {
	Name       string       `json:"name"`
	Units      string       `json:"units,omitempty"`
	Value      any          `json:"present_value"`
	Writable   bool         `json:"writable"`
	ValueState string       `json:"value_state,omitempty"`
	Status     *udmi.Status `json:"status,omitempty"`
}

// Manager owns the point model.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	opts Options
	now  func() time.Time

	mu          sync.Mutex
	points      map[string]*point
	defaultRate int
	rateSec     int
	host        device.Host
	logger      device.Logger

	rateCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ device.Manager = (*Manager)(nil)

// New creates a pointset manager seeded with the static metadata points.
func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rate := opts.SampleRateSec
	if rate <= 0 && opts.Metadata != nil {
		rate = opts.Metadata.SampleRateSec
	}
	if rate <= 0 {
		rate = DefaultSampleRateSec
	}

	m := &Manager{
		opts:        opts,
		now:         opts.Now,
		points:      make(map[string]*point),
		defaultRate: rate,
		rateSec:     rate,
		rateCh:      make(chan struct{}, 1),
		logger:      nopLogger{},
	}
	if opts.Metadata != nil {
		for name, md := range opts.Metadata.Points {
			m.points[name] = newPoint(name, originStatic, md)
		}
	}
	return m
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (m *Manager) Name() string      { return "pointset" }
func (m *Manager) Key() string       { return udmi.KeyPointset }
func (m *Manager) AlwaysApply() bool { return true }

// Start begins the sample loop.
func (m *Manager) Start(ctx context.Context, host device.Host) error {
	m.mu.Lock()
	m.host = host
	m.logger = host.Logger()
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.sampleLoop(ctx)
	return nil
}

// Stop ends the sample loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SampleRate returns the current sampling interval.
func (m *Manager) SampleRate() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.rateSec) * time.Second
}

// SetPointValue records a new present value, creating the point if needed.
// Numeric values outside the point's range are rejected with
// ErrValueOutOfRange and leave the previous value in place.
//
// Parameters:
//   - name: Point name; empty names are rejected
//   - value: New present value (number, string, bool or JSON-compatible value)
//
// Returns:
//   - error: ErrInvalidPointName or ErrValueOutOfRange, nil otherwise
func (m *Manager) SetPointValue(name string, value any) error {
	if name == "" {
		return ErrInvalidPointName
	}

	m.mu.Lock()
	p, ok := m.points[name]
	if !ok {
		p = newPoint(name, originDynamic, udmi.PointMetadata{})
		m.points[name] = p
	}

	if f, numeric := toFloat(value); numeric && !p.inRange(f) {
		msg := fmt.Sprintf("value %v outside range %s", value, rangeString(p))
		changed := p.status == nil || p.status.Message != msg
		if changed {
			p.status = udmi.NewStatus(categoryOutOfRange, udmi.LevelWarning, msg, m.now())
		}
		m.mu.Unlock()
		if changed {
			m.markDirty()
		}
		return fmt.Errorf("%w: %s %s", ErrValueOutOfRange, name, msg)
	}

	cleared := p.status != nil && p.status.Category == categoryOutOfRange
	if cleared {
		p.status = nil
	}
	p.value = value
	p.hasValue = true
	p.dirty = true
	p.seq++
	m.mu.Unlock()

	if cleared || !ok {
		m.markDirty()
	}
	return nil
}

func rangeString(p *point) string {
	lo, hi := "-inf", "+inf"
	if p.rangeMin != nil {
		lo = fmt.Sprint(*p.rangeMin)
	}
	if p.rangeMax != nil {
		hi = fmt.Sprint(*p.rangeMax)
	}
	return "[" + lo + ", " + hi + "]"
}

// PointValue returns the present value of a point.
func (m *Manager) PointValue(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[name]
	if !ok || !p.hasValue {
		return nil, false
	}
	return p.value, true
}

// Points returns a snapshot of every point, sorted by name.
func (m *Manager) Points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Point, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, Point{
			Name:       p.name,
			Units:      p.units,
			Value:      p.value,
			Writable:   p.writable,
			ValueState: p.valueState,
			Status:     p.status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enumerate describes every point for discovery self-enumeration.
func (m *Manager) Enumerate() map[string]udmi.PointEnumeration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]udmi.PointEnumeration, len(m.points))
	for name, p := range m.points {
		out[name] = p.enumeration()
	}
	return out
}

// State reports per-point units, writeback state and status.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &udmi.PointsetState{Points: make(map[string]udmi.PointState, len(m.points))}
	for name, p := range m.points {
		st.Points[name] = udmi.PointState{
			Units:      p.units,
			ValueState: p.valueState,
			Status:     p.status,
		}
	}
	return st
}

func (m *Manager) markDirty() {
	m.mu.Lock()
	host := m.host
	m.mu.Unlock()
	if host != nil {
		host.MarkDirty()
	}
}
