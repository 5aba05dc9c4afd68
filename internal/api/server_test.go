package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/infrastructure/config"
	"github.com/nerrad567/udmi-device/internal/infrastructure/logging"
	"github.com/nerrad567/udmi-device/internal/managers/pointset"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRuntime struct {
	mu     sync.Mutex
	phase  device.Phase
	config udmi.Document
}

func (f *fakeRuntime) DeviceID() string { return "AHU-1" }

func (f *fakeRuntime) Phase() device.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *fakeRuntime) State() udmi.State {
	return udmi.State{
		Version:   udmi.Version,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		System:    &udmi.SystemState{Operation: udmi.OperationState{Operational: true}},
	}
}

func (f *fakeRuntime) Config() udmi.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config.Clone()
}

type panickingPoints struct{}

func (panickingPoints) Points() []pointset.Point        { panic("boom") }
func (panickingPoints) SetPointValue(string, any) error { panic("boom") }

func f64(v float64) *float64 { return &v }

func testServer(t *testing.T, points PointSource) (*Server, *fakeRuntime) {
	t.Helper()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	rt := &fakeRuntime{phase: device.PhaseSteadyState}
	srv, err := New(Deps{
		Config:  config.DiagnosticsConfig{Host: "127.0.0.1"},
		Logger:  log,
		Runtime: rt,
		Points:  points,
		Metrics: metrics.New("AHU-1"),
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, rt
}

func testPoints() *pointset.Manager {
	return pointset.New(pointset.Options{Metadata: &udmi.PointsetMetadata{
		Points: map[string]udmi.PointMetadata{
			"supply_temp": {Units: "Degrees-Celsius", RangeMin: f64(0), RangeMax: f64(80)},
		},
	}})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

// =============================================================================
// Construction
// =============================================================================

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Default()}); err == nil {
		t.Error("New() without runtime should fail")
	}
}

// =============================================================================
// Read endpoints
// =============================================================================

func TestHealth(t *testing.T) {
	srv, rt := testServer(t, nil)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode(t, w)
	if resp["device_id"] != "AHU-1" || resp["phase"] != "steady_state" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}

	rt.mu.Lock()
	rt.phase = device.PhaseShuttingDown
	rt.mu.Unlock()
	if w := do(t, router, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status while shutting down = %d, want 503", w.Code)
	}
}

func TestGetState(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["version"] != udmi.Version {
		t.Errorf("version = %v, want %s", resp["version"], udmi.Version)
	}
	if _, ok := resp["system"]; !ok {
		t.Error("system block missing")
	}
}

func TestGetConfig(t *testing.T) {
	srv, rt := testServer(t, nil)
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/config", ""); w.Code != http.StatusNotFound {
		t.Errorf("config before first config = %d, want 404", w.Code)
	}

	rt.mu.Lock()
	rt.config = udmi.Document{"pointset": json.RawMessage(`{"sample_rate_sec":5}`)}
	rt.mu.Unlock()

	w := do(t, router, http.MethodGet, "/api/v1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("config status = %d", w.Code)
	}
	if _, ok := decode(t, w)["pointset"]; !ok {
		t.Error("pointset block missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing Go collector")
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "")
	if len(w.Header().Get("X-Request-ID")) != 36 {
		t.Errorf("generated request id = %q, want a UUID", w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "trace-42" {
		t.Errorf("request id = %q, want passthrough", rec.Header().Get("X-Request-ID"))
	}
}

// =============================================================================
// Points
// =============================================================================

func TestPoints(t *testing.T) {
	points := testPoints()
	srv, _ := testServer(t, points)
	router := srv.buildRouter()

	w := do(t, router, http.MethodPut, "/api/v1/points/supply_temp", `{"present_value":21.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	if v, _ := points.PointValue("supply_temp"); v != 21.5 {
		t.Errorf("PointValue() = %v, want 21.5", v)
	}

	w = do(t, router, http.MethodGet, "/api/v1/points", "")
	resp := decode(t, w)
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1", resp["count"])
	}
}

func TestSetPointErrors(t *testing.T) {
	srv, _ := testServer(t, testPoints())
	router := srv.buildRouter()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"out of range", `{"present_value":85}`, http.StatusUnprocessableEntity},
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing value", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPut, "/api/v1/points/supply_temp", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSetPointErrorBody(t *testing.T) {
	srv, _ := testServer(t, testPoints())

	req := httptest.NewRequest(http.MethodPut, "/api/v1/points/supply_temp", strings.NewReader(`{"present_value":99}`))
	req.Header.Set("X-Request-ID", "trace-7")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	body := decode(t, w)
	if body["code"] != ErrCodeValidation || body["request_id"] != "trace-7" {
		t.Errorf("body = %v, want validation_error with request id", body)
	}
}

func TestSetPointBodyLimit(t *testing.T) {
	srv, _ := testServer(t, testPoints())

	big := `{"present_value":"` + strings.Repeat("x", maxPointBodySize) + `"}`
	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/points/supply_temp", big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized body", w.Code)
	}
}

func TestPointsUnavailable(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/points", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET points = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/api/v1/points/x", `{"present_value":1}`); w.Code != http.StatusNotFound {
		t.Errorf("PUT point = %d, want 404", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t, panickingPoints{})

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/points", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// =============================================================================
// Stream
// =============================================================================

func dialStream(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.stream.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if f := readFrame(t, ws); f.Type != FrameSnapshot {
		t.Fatalf("first frame = %+v, want snapshot", f)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

func TestStreamSnapshot(t *testing.T) {
	srv, _ := testServer(t, nil)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	f := readFrame(t, ws)
	if f.Type != FrameSnapshot || f.Channel != udmi.ChannelState || f.DeviceID != "AHU-1" {
		t.Fatalf("frame = %+v, want state snapshot", f)
	}
	var st udmi.State
	if err := json.Unmarshal(f.Payload, &st); err != nil {
		t.Fatalf("snapshot payload: %v", err)
	}
	if st.Version != udmi.Version || st.System == nil || !st.System.Operation.Operational {
		t.Errorf("snapshot = %+v", st)
	}
}

func TestStreamState(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := dialStream(t, srv)

	// Events are not streamed by default; only the state that follows arrives.
	srv.ObservePublish("AHU-1", "events/pointset", []byte(`{"points":{}}`))
	srv.ObservePublish("AHU-1", udmi.ChannelState, []byte(`{"version":"1.5.2"}`))

	f := readFrame(t, ws)
	if f.Type != FramePublish || f.Channel != udmi.ChannelState || f.DeviceID != "AHU-1" {
		t.Errorf("frame = %+v, want state publish", f)
	}
	if string(f.Payload) != `{"version":"1.5.2"}` {
		t.Errorf("payload = %s", f.Payload)
	}
}

func TestStreamSubscribeEvents(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := dialStream(t, srv)

	if err := ws.WriteJSON(Frame{Type: FrameSubscribe, ID: "sub-1", Channels: []string{"events"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if ack := readFrame(t, ws); ack.Type != FrameAck || ack.ID != "sub-1" || len(ack.Channels) != 2 {
		t.Fatalf("ack = %+v, want 2 channels", ack)
	}

	srv.ObservePublish("AHU-1", "events/system", []byte(`{"logentries":[]}`))
	if f := readFrame(t, ws); f.Channel != "events/system" {
		t.Errorf("channel = %q, want events/system", f.Channel)
	}
}

func TestStreamDeviceFilter(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := dialStream(t, srv)

	if err := ws.WriteJSON(Frame{Type: FrameSubscribe, ID: "f", Devices: []string{"VAV-7"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	readFrame(t, ws) // ack

	srv.ObservePublish("AHU-1", udmi.ChannelState, []byte(`{}`))
	srv.ObservePublish("VAV-7", udmi.ChannelState, []byte(`{"proxy":true}`))

	if f := readFrame(t, ws); f.DeviceID != "VAV-7" {
		t.Errorf("device_id = %q, want VAV-7", f.DeviceID)
	}
}

func TestStreamNonJSONPayload(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := dialStream(t, srv)

	srv.ObservePublish("AHU-1", udmi.ChannelState, []byte("not json"))
	f := readFrame(t, ws)
	if string(f.Payload) != `"not json"` {
		t.Errorf("payload = %s, want JSON string", f.Payload)
	}
}

func TestStreamInvalidFrame(t *testing.T) {
	srv, _ := testServer(t, nil)
	ws := dialStream(t, srv)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FrameError {
		t.Errorf("type = %q, want error", f.Type)
	}

	if err := ws.WriteJSON(Frame{Type: FramePing, ID: "p1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FramePong || f.ID != "p1" {
		t.Errorf("frame = %+v, want pong p1", f)
	}
}
