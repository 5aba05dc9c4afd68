// Package metrics holds the Prometheus collectors for one device runtime.
//
// Each Metrics owns its registry so several runtimes can share a process
// (and tests never collide on the global default registry). Every method is
// safe on a nil *Metrics, which lets components treat metrics as optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "udmi_device"

// Blob job results.
const (
	BlobApplied  = "applied"
	BlobSkipped  = "skipped"
	BlobFailed   = "failed"
	BlobMismatch = "hash_mismatch"
)

// Metrics is the collector set for a runtime.
type Metrics struct {
	registry *prometheus.Registry

	statePublishes  prometheus.Counter
	stateSuppressed prometheus.Counter
	configApplies   prometheus.Counter
	managerErrors   *prometheus.CounterVec
	events          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	connected       prometheus.Gauge
	reconnects      prometheus.Counter
	blobJobs        *prometheus.CounterVec
	authRefreshes   *prometheus.CounterVec
	pointValues     prometheus.Counter
}

// New creates a Metrics with its own registry, labelled with device id.
func New(deviceID string) *Metrics {
	labels := prometheus.Labels{"device_id": deviceID}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels}
	}

	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		statePublishes:  prometheus.NewCounter(opts("state_publishes_total", "State documents published.")),
		stateSuppressed: prometheus.NewCounter(opts("state_suppressed_total", "State publishes skipped because nothing changed.")),
		configApplies:   prometheus.NewCounter(opts("config_applies_total", "Config documents applied.")),
		managerErrors:   prometheus.NewCounterVec(opts("manager_errors_total", "Manager failures while applying config."), []string{"manager"}),
		events:          prometheus.NewCounterVec(opts("events_total", "Events published by subfolder."), []string{"subfolder"}),
		dropped:         prometheus.NewCounterVec(opts("messages_dropped_total", "Inbound messages dropped by reason."), []string{"reason"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_connected", Help: "1 while the MQTT session is up.", ConstLabels: labels,
		}),
		reconnects:    prometheus.NewCounter(opts("transport_disconnects_total", "MQTT sessions lost.")),
		blobJobs:      prometheus.NewCounterVec(opts("blob_jobs_total", "Blob jobs by result."), []string{"result"}),
		authRefreshes: prometheus.NewCounterVec(opts("auth_refreshes_total", "Credential refresh attempts by result."), []string{"result"}),
		pointValues:   prometheus.NewCounter(opts("point_values_published_total", "Point values included in pointset events.")),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.statePublishes, m.stateSuppressed, m.configApplies, m.managerErrors,
		m.events, m.dropped, m.connected, m.reconnects, m.blobJobs,
		m.authRefreshes, m.pointValues,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StatePublished() {
	if m != nil {
		m.statePublishes.Inc()
	}
}

func (m *Metrics) StateSuppressed() {
	if m != nil {
		m.stateSuppressed.Inc()
	}
}

func (m *Metrics) ConfigApplied() {
	if m != nil {
		m.configApplies.Inc()
	}
}

func (m *Metrics) ManagerError(manager string) {
	if m != nil {
		m.managerErrors.WithLabelValues(manager).Inc()
	}
}

func (m *Metrics) EventPublished(subfolder string) {
	if m != nil {
		m.events.WithLabelValues(subfolder).Inc()
	}
}

// MessageDropped counts an inbound message the dispatcher discarded.
func (m *Metrics) MessageDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// SetConnected tracks the transport state. A transition to false counts a
// lost session.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
	m.reconnects.Inc()
}

func (m *Metrics) BlobJob(result string) {
	if m != nil {
		m.blobJobs.WithLabelValues(result).Inc()
	}
}

// AuthRefresh counts a credential refresh, labelled ok or error.
func (m *Metrics) AuthRefresh(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.authRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) PointValuesPublished(n int) {
	if m != nil {
		m.pointValues.Add(float64(n))
	}
}
