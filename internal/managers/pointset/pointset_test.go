package pointset

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/udmi-device/internal/device/devicetest"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

func f64(v float64) *float64 { return &v }

func testMetadata() *udmi.PointsetMetadata {
	return &udmi.PointsetMetadata{
		Points: map[string]udmi.PointMetadata{
			"supply_temp": {Units: "Degrees-Celsius", CovIncrement: f64(5), RangeMin: f64(0), RangeMax: f64(80)},
			"fan_speed":   {Units: "Percent", Writable: true},
			"alarm":       {},
		},
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *devicetest.Host) {
	t.Helper()
	if opts.Metadata == nil {
		opts.Metadata = testMetadata()
	}
	m := New(opts)
	host := devicetest.NewHost("AHU-1")
	if err := m.Start(context.Background(), host); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m, host
}

func lastEvent(t *testing.T, host *devicetest.Host) udmi.PointsetEvent {
	t.Helper()
	events := host.Events(udmi.SubfolderPointset)
	if len(events) == 0 {
		t.Fatal("no pointset events published")
	}
	var ev udmi.PointsetEvent
	if err := json.Unmarshal(events[len(events)-1].Payload, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	return ev
}

func pointState(t *testing.T, m *Manager, name string) udmi.PointState {
	t.Helper()
	st := m.State().(*udmi.PointsetState)
	ps, ok := st.Points[name]
	if !ok {
		t.Fatalf("point %q missing from state", name)
	}
	return ps
}

func applyConfig(t *testing.T, m *Manager, doc string) {
	t.Helper()
	if err := m.ApplyConfig(context.Background(), json.RawMessage(doc)); err != nil {
		t.Fatalf("ApplyConfig(%s) error = %v", doc, err)
	}
}

// =============================================================================
// Change of value
// =============================================================================

func TestCOVThrottling(t *testing.T) {
	m, host := newTestManager(t, Options{})

	steps := []struct {
		value       float64
		wantPublish bool
	}{
		{5, true},
		{7, false},
		{9, false},
		{10, true},
		{12, false},
	}
	for _, step := range steps {
		if err := m.SetPointValue("supply_temp", step.value); err != nil {
			t.Fatalf("SetPointValue(%v) error = %v", step.value, err)
		}
		before := len(host.Events(udmi.SubfolderPointset))
		if err := m.Sample(); err != nil {
			t.Fatalf("Sample() error = %v", err)
		}
		published := len(host.Events(udmi.SubfolderPointset)) > before
		if published != step.wantPublish {
			t.Errorf("value %v published = %v, want %v", step.value, published, step.wantPublish)
		}
		if published {
			got := lastEvent(t, host).Points["supply_temp"].PresentValue
			if got != step.value {
				t.Errorf("present_value = %v, want %v", got, step.value)
			}
		}
	}
}

func TestCOVBaseline(t *testing.T) {
	md := &udmi.PointsetMetadata{Points: map[string]udmi.PointMetadata{
		"p": {CovIncrement: f64(2), BaselineValue: f64(20)},
	}}
	m, host := newTestManager(t, Options{Metadata: md})

	_ = m.SetPointValue("p", 21.0)
	_ = m.Sample()
	if n := len(host.Events(udmi.SubfolderPointset)); n != 0 {
		t.Fatalf("published %d events within increment of baseline, want 0", n)
	}
	_ = m.SetPointValue("p", 22.5)
	_ = m.Sample()
	if n := len(host.Events(udmi.SubfolderPointset)); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestNonNumericPublishesWhenDirty(t *testing.T) {
	m, host := newTestManager(t, Options{})

	_ = m.SetPointValue("alarm", "active")
	_ = m.Sample()
	_ = m.Sample() // drained, nothing dirty
	_ = m.SetPointValue("alarm", "active")
	_ = m.Sample()
	_ = m.SetPointValue("alarm", "inactive")
	_ = m.Sample()

	if n := len(host.Events(udmi.SubfolderPointset)); n != 3 {
		t.Errorf("events = %d, want 3", n)
	}
	if got := lastEvent(t, host).Points["alarm"].PresentValue; got != "inactive" {
		t.Errorf("present_value = %v, want inactive", got)
	}
}

func TestSampleIsPartialAndDrains(t *testing.T) {
	m, host := newTestManager(t, Options{})

	_ = m.SetPointValue("fan_speed", 40)
	_ = m.Sample()
	ev := lastEvent(t, host)
	if !ev.Partial || len(ev.Points) != 1 || ev.Version != udmi.Version {
		t.Errorf("event = %+v, want one partial point", ev)
	}

	_ = m.Sample()
	if n := len(host.Events(udmi.SubfolderPointset)); n != 1 {
		t.Errorf("events after drain = %d, want 1", n)
	}
}

func TestSampleFailureKeepsPointsDirty(t *testing.T) {
	m, host := newTestManager(t, Options{})
	_ = m.SetPointValue("fan_speed", 40)

	host.PublishErr = errors.New("offline")
	if err := m.Sample(); err == nil {
		t.Fatal("Sample() error = nil, want publish failure")
	}
	host.PublishErr = nil
	if err := m.Sample(); err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if n := len(host.Events(udmi.SubfolderPointset)); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

type historian struct {
	mu     sync.Mutex
	values map[string]float64
}

func (h *historian) WritePointValue(_, point, _ string, value float64, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.values == nil {
		h.values = make(map[string]float64)
	}
	h.values[point] = value
}

func TestHistorianReceivesNumericValues(t *testing.T) {
	h := &historian{}
	m, _ := newTestManager(t, Options{Historian: h})

	_ = m.SetPointValue("fan_speed", 55)
	_ = m.SetPointValue("alarm", "active")
	_ = m.Sample()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.values) != 1 || h.values["fan_speed"] != 55 {
		t.Errorf("historian values = %v, want fan_speed=55 only", h.values)
	}
}

// =============================================================================
// Range validation
// =============================================================================

func TestRangeValidation(t *testing.T) {
	m, host := newTestManager(t, Options{})

	if err := m.SetPointValue("supply_temp", 75.0); err != nil {
		t.Fatalf("SetPointValue(75) error = %v", err)
	}
	err := m.SetPointValue("supply_temp", 85.0)
	if !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("SetPointValue(85) error = %v, want ErrValueOutOfRange", err)
	}

	ps := pointState(t, m, "supply_temp")
	if ps.Status == nil || ps.Status.Level < udmi.LevelWarning {
		t.Errorf("status = %+v, want level >= 400", ps.Status)
	}
	if v, _ := m.PointValue("supply_temp"); v != 75.0 {
		t.Errorf("PointValue() = %v, want last good 75", v)
	}
	if host.DirtyCount() == 0 {
		t.Error("status change did not mark state dirty")
	}

	if err := m.SetPointValue("supply_temp", 70.0); err != nil {
		t.Fatalf("SetPointValue(70) error = %v", err)
	}
	if ps := pointState(t, m, "supply_temp"); ps.Status != nil {
		t.Errorf("status = %+v, want cleared", ps.Status)
	}
}

func TestDynamicPointCreation(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	if err := m.SetPointValue("", 1); !errors.Is(err, ErrInvalidPointName) {
		t.Errorf("SetPointValue(\"\") error = %v, want ErrInvalidPointName", err)
	}
	if err := m.SetPointValue("return_temp", 19.5); err != nil {
		t.Fatalf("SetPointValue() error = %v", err)
	}
	if v, ok := m.PointValue("return_temp"); !ok || v != 19.5 {
		t.Errorf("PointValue() = %v, %v", v, ok)
	}
	pointState(t, m, "return_temp")
}

// =============================================================================
// Writeback
// =============================================================================

type writer struct {
	mu    sync.Mutex
	calls []any
	err   error
}

func (w *writer) write(_ string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, value)
	return w.err
}

func (w *writer) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func TestWritebackApplied(t *testing.T) {
	w := &writer{}
	m, _ := newTestManager(t, Options{Writeback: w.write})

	doc := `{"points":{"fan_speed":{"set_value":60}}}`
	applyConfig(t, m, doc)
	applyConfig(t, m, doc)

	if w.count() != 1 {
		t.Errorf("writeback calls = %d, want 1", w.count())
	}
	if ps := pointState(t, m, "fan_speed"); ps.ValueState != udmi.ValueStateApplied {
		t.Errorf("value_state = %q, want applied", ps.ValueState)
	}
	if v, _ := m.PointValue("fan_speed"); v != 60.0 {
		t.Errorf("PointValue() = %v, want 60", v)
	}

	applyConfig(t, m, `{"points":{"fan_speed":{}}}`)
	if ps := pointState(t, m, "fan_speed"); ps.ValueState != "" {
		t.Errorf("value_state after release = %q, want empty", ps.ValueState)
	}
}

func TestWritebackFailure(t *testing.T) {
	w := &writer{err: errors.New("actuator jammed")}
	m, _ := newTestManager(t, Options{Writeback: w.write})

	applyConfig(t, m, `{"points":{"fan_speed":{"set_value":60}}}`)

	ps := pointState(t, m, "fan_speed")
	if ps.ValueState != udmi.ValueStateFailure {
		t.Errorf("value_state = %q, want failure", ps.ValueState)
	}
	if ps.Status == nil || ps.Status.Level != udmi.LevelError {
		t.Errorf("status = %+v, want ERROR", ps.Status)
	}
}

func TestWritebackWithoutHandlerCaches(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	applyConfig(t, m, `{"points":{"fan_speed":{"set_value":25}}}`)
	if ps := pointState(t, m, "fan_speed"); ps.ValueState != udmi.ValueStateApplied {
		t.Errorf("value_state = %q, want applied", ps.ValueState)
	}
	if v, _ := m.PointValue("fan_speed"); v != 25.0 {
		t.Errorf("PointValue() = %v, want 25", v)
	}
}

func TestWritebackRejected(t *testing.T) {
	w := &writer{}
	m, _ := newTestManager(t, Options{Writeback: w.write})

	applyConfig(t, m, `{"points":{"alarm":{"set_value":true},"zone_sp":{"range_max":30,"set_value":50}}}`)

	if ps := pointState(t, m, "alarm"); ps.ValueState != udmi.ValueStateInvalid {
		t.Errorf("read-only value_state = %q, want invalid", ps.ValueState)
	}
	if ps := pointState(t, m, "zone_sp"); ps.ValueState != udmi.ValueStateInvalid {
		t.Errorf("out of range value_state = %q, want invalid", ps.ValueState)
	}
	if w.count() != 0 {
		t.Errorf("writeback calls = %d, want 0", w.count())
	}
}

func TestWritebackExpiry(t *testing.T) {
	w := &writer{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, Options{Writeback: w.write, Now: func() time.Time { return now }})

	applyConfig(t, m, `{"set_value_expiry":"2026-03-01T11:00:00Z","points":{"fan_speed":{"set_value":60}}}`)
	if w.count() != 0 {
		t.Errorf("expired set_value written %d times", w.count())
	}
}

// =============================================================================
// Provisioning
// =============================================================================

func TestConfigProvisionedPoints(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	applyConfig(t, m, `{"points":{"zone_co2":{"units":"PPM","range_max":2000}}}`)
	if ps := pointState(t, m, "zone_co2"); ps.Units != "PPM" {
		t.Errorf("units = %q, want PPM", ps.Units)
	}
	if err := m.SetPointValue("zone_co2", 2500); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("SetPointValue() error = %v, want ErrValueOutOfRange", err)
	}

	applyConfig(t, m, `{}`)
	st := m.State().(*udmi.PointsetState)
	if _, ok := st.Points["zone_co2"]; ok {
		t.Error("config point survived removal from config")
	}
	for _, name := range []string{"supply_temp", "fan_speed", "alarm"} {
		if _, ok := st.Points[name]; !ok {
			t.Errorf("static point %q removed", name)
		}
	}
}

func TestConfigOverridesRevert(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	applyConfig(t, m, `{"points":{"supply_temp":{"units":"Degrees-Fahrenheit"}}}`)
	if ps := pointState(t, m, "supply_temp"); ps.Units != "Degrees-Fahrenheit" {
		t.Errorf("units = %q, want override", ps.Units)
	}
	applyConfig(t, m, `null`)
	if ps := pointState(t, m, "supply_temp"); ps.Units != "Degrees-Celsius" {
		t.Errorf("units = %q, want metadata value", ps.Units)
	}
}

func TestSampleRateFromConfig(t *testing.T) {
	m, _ := newTestManager(t, Options{SampleRateSec: 30})
	if m.SampleRate() != 30*time.Second {
		t.Fatalf("SampleRate() = %v, want 30s", m.SampleRate())
	}
	applyConfig(t, m, `{"sample_rate_sec":5}`)
	if m.SampleRate() != 5*time.Second {
		t.Errorf("SampleRate() = %v, want 5s", m.SampleRate())
	}
	applyConfig(t, m, `{}`)
	if m.SampleRate() != 30*time.Second {
		t.Errorf("SampleRate() = %v, want default restored", m.SampleRate())
	}

	if err := m.ApplyConfig(context.Background(), json.RawMessage(`{"points":[]}`)); err == nil {
		t.Error("ApplyConfig() with malformed points should fail")
	}
}

func TestEnumerateAndPoints(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_ = m.SetPointValue("fan_speed", 10)

	enum := m.Enumerate()
	if len(enum) != 3 || !enum["fan_speed"].Writable || enum["supply_temp"].Units != "Degrees-Celsius" {
		t.Errorf("Enumerate() = %+v", enum)
	}
	if enum["alarm"].Writable {
		t.Error("read-only static point enumerated as writable")
	}

	points := m.Points()
	if len(points) != 3 || points[0].Name != "alarm" || points[1].Value != 10 {
		t.Errorf("Points() = %+v", points)
	}
}
