package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/udmi-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// mockTransport records publishes and keeps subscription handlers so tests
// can inject inbound messages.
type mockTransport struct {
	mu         sync.Mutex
	published  map[string][]byte
	subs       map[string]mqtt.MessageHandler
	publishErr error
	authChecks atomic.Int32
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		published: make(map[string][]byte),
		subs:      make(map[string]mqtt.MessageHandler),
	}
}

func (m *mockTransport) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published[topic] = payload
	return nil
}

func (m *mockTransport) Subscribe(topic string, h mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = h
	return nil
}

func (m *mockTransport) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	return nil
}

func (m *mockTransport) Topics() mqtt.Topics { return mqtt.Topics{} }

func (m *mockTransport) CheckAuthentication() error {
	m.authChecks.Add(1)
	return nil
}

func (m *mockTransport) get(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.published[topic]
	return p, ok
}

func (m *mockTransport) inject(t *testing.T, sub, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	h := m.subs[sub]
	m.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscription for %s", sub)
	}
	if err := h(topic, payload); err != nil {
		t.Fatalf("handler returned %v", err)
	}
}

type call struct {
	deviceID, channel string
	doc               udmi.Document
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) handler(_ context.Context, deviceID, channel string, doc udmi.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{deviceID, channel, doc})
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// =============================================================================
// Outbound
// =============================================================================

func TestPublishState(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")

	if err := d.PublishState(map[string]string{"version": udmi.Version}); err != nil {
		t.Fatalf("PublishState() error = %v", err)
	}
	payload, ok := tr.get("/devices/AHU-1/state")
	if !ok {
		t.Fatal("state not published")
	}
	var got map[string]string
	if err := json.Unmarshal(payload, &got); err != nil || got["version"] != udmi.Version {
		t.Errorf("payload = %s, err = %v", payload, err)
	}
}

func TestPublishEventAndProxy(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "GW-1")

	var observed []string
	d.OnPublish(func(deviceID, channel string, _ []byte) {
		observed = append(observed, deviceID+"/"+channel)
	})

	if err := d.PublishEvent("pointset", map[string]int{"x": 1}); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	if err := d.PublishProxyEvent("FCU-2", "pointset", map[string]int{"x": 2}); err != nil {
		t.Fatalf("PublishProxyEvent() error = %v", err)
	}
	if err := d.PublishProxyState("FCU-2", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("PublishProxyState() error = %v", err)
	}
	if err := d.PublishRaw("FCU-2", udmi.ChannelAttach, []byte(`{}`)); err != nil {
		t.Fatalf("PublishRaw() error = %v", err)
	}

	for _, topic := range []string{
		"/devices/GW-1/events/pointset",
		"/devices/FCU-2/events/pointset",
		"/devices/FCU-2/state",
		"/devices/FCU-2/attach",
	} {
		if _, ok := tr.get(topic); !ok {
			t.Errorf("nothing published on %s", topic)
		}
	}
	if len(observed) != 4 {
		t.Errorf("observer saw %v, want 4 publishes", observed)
	}
}

func TestProxyEventCarriesProxyID(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "GW-1")

	if err := d.PublishProxyEvent("FCU-2", "pointset", map[string]any{"version": udmi.Version}); err != nil {
		t.Fatalf("PublishProxyEvent() error = %v", err)
	}
	payload, ok := tr.get("/devices/FCU-2/events/pointset")
	if !ok {
		t.Fatal("proxy event not published")
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["device_id"] != "FCU-2" {
		t.Errorf("device_id = %v, want FCU-2", got["device_id"])
	}

	// An explicit device_id is left alone; non-object payloads pass through.
	if err := d.PublishProxyEvent("FCU-2", "system", json.RawMessage(`{"device_id":"FCU-2a"}`)); err != nil {
		t.Fatalf("PublishProxyEvent() error = %v", err)
	}
	if payload, _ := tr.get("/devices/FCU-2/events/system"); string(payload) != `{"device_id":"FCU-2a"}` {
		t.Errorf("payload = %s, want unchanged", payload)
	}
	if err := d.PublishProxyEvent("FCU-2", "raw", []byte(`[1,2]`)); err != nil {
		t.Fatalf("PublishProxyEvent() error = %v", err)
	}
	if payload, _ := tr.get("/devices/FCU-2/events/raw"); string(payload) != `[1,2]` {
		t.Errorf("payload = %s, want unchanged", payload)
	}
}

func TestPublishErrors(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")

	if err := d.PublishState(make(chan int)); !errors.Is(err, ErrEncode) {
		t.Errorf("PublishState(chan) error = %v, want ErrEncode", err)
	}

	tr.publishErr = mqtt.ErrNotConnected
	if err := d.PublishState(map[string]int{}); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("PublishState() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Inbound routing
// =============================================================================

func TestConfigRouting(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")
	var a, b recorder
	d.RegisterHandler(udmi.ChannelConfig, a.handler)
	d.RegisterHandler(udmi.ChannelConfig, b.handler)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tr.inject(t, "/devices/AHU-1/config", "/devices/AHU-1/config", []byte(`{"pointset":{"sample_rate_sec":5}}`))

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("handler calls = %d, %d; want 1, 1", a.count(), b.count())
	}
	if a.calls[0].deviceID != "AHU-1" || !a.calls[0].doc.Has("pointset") {
		t.Errorf("call = %+v", a.calls[0])
	}

	// Each handler owns its copy.
	a.calls[0].doc["pointset"] = json.RawMessage(`null`)
	if !b.calls[0].doc.Has("pointset") {
		t.Error("handlers share one document")
	}
}

func TestCommandRouting(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")
	var specific, all recorder
	d.RegisterHandler("commands/reboot", specific.handler)
	d.RegisterHandler(udmi.ChannelCommands, all.handler)
	_ = d.Start()

	tr.inject(t, "/devices/AHU-1/commands/#", "/devices/AHU-1/commands/reboot", nil)
	tr.inject(t, "/devices/AHU-1/commands/#", "/devices/AHU-1/commands/calibrate", []byte(`{"offset":2}`))

	if specific.count() != 1 {
		t.Errorf("specific handler calls = %d, want 1", specific.count())
	}
	if all.count() != 2 {
		t.Errorf("catch-all handler calls = %d, want 2", all.count())
	}
	if all.calls[1].channel != "commands/calibrate" {
		t.Errorf("channel = %q", all.calls[1].channel)
	}
}

func TestHandlerIsolation(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")
	var after recorder
	d.RegisterHandler(udmi.ChannelConfig, func(context.Context, string, string, udmi.Document) error {
		panic("manager bug")
	})
	d.RegisterHandler(udmi.ChannelConfig, func(context.Context, string, string, udmi.Document) error {
		return errors.New("apply failed")
	})
	d.RegisterHandler(udmi.ChannelConfig, after.handler)
	_ = d.Start()

	tr.inject(t, "/devices/AHU-1/config", "/devices/AHU-1/config", []byte(`{}`))
	if after.count() != 1 {
		t.Errorf("handler after failures called %d times, want 1", after.count())
	}
}

func TestDropsMalformedAndUnknown(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")
	var rec recorder
	d.RegisterHandler(udmi.ChannelConfig, rec.handler)
	_ = d.Start()

	tr.inject(t, "/devices/AHU-1/config", "/devices/AHU-1/config", []byte(`{not json`))
	tr.inject(t, "/devices/AHU-1/config", "/devices/AHU-1/config", []byte(`null`))
	tr.inject(t, "/devices/AHU-1/commands/#", "/devices/AHU-1/commands/nobody", []byte(`{}`))
	tr.inject(t, "/devices/AHU-1/config", "garbage", []byte(`{}`))

	if rec.count() != 0 {
		t.Errorf("handler called %d times for dropped messages", rec.count())
	}
}

func TestProxySubscriptionRoutesByDeviceID(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "GW-1")
	var rec recorder
	d.RegisterHandler(udmi.ChannelConfig, rec.handler)
	_ = d.Start()
	if err := d.SubscribeDevice("FCU-2"); err != nil {
		t.Fatalf("SubscribeDevice() error = %v", err)
	}

	tr.inject(t, "/devices/FCU-2/config", "/devices/FCU-2/config", []byte(`{}`))
	if rec.count() != 1 || rec.calls[0].deviceID != "FCU-2" {
		t.Errorf("calls = %+v, want one for FCU-2", rec.calls)
	}

	if err := d.UnsubscribeDevice("FCU-2"); err != nil {
		t.Fatalf("UnsubscribeDevice() error = %v", err)
	}
	tr.mu.Lock()
	_, still := tr.subs["/devices/FCU-2/config"]
	tr.mu.Unlock()
	if still {
		t.Error("proxy config subscription not removed")
	}
}

// =============================================================================
// Auth polling
// =============================================================================

func TestStartAuthPolling(t *testing.T) {
	tr := newMockTransport()
	d := New(tr, "AHU-1")

	d.StartAuthPolling(context.Background(), 2*time.Millisecond)
	d.StartAuthPolling(context.Background(), 2*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for tr.authChecks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Stop()
	n := tr.authChecks.Load()
	if n < 3 {
		t.Fatalf("CheckAuthentication calls = %d, want >= 3", n)
	}
	time.Sleep(10 * time.Millisecond)
	if tr.authChecks.Load() != n {
		t.Error("poller still running after Stop")
	}
}
