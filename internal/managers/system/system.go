// Package system implements the "system" manager: device identity,
// operational state, periodic host metrics and the log entry queue.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

const (
	// DefaultMetricsRateSec applies when neither config nor options set a rate.
	DefaultMetricsRateSec = 600

	// maxLogEntries bounds the queue; the oldest entries are dropped first.
	maxLogEntries = 100
)

// LevelSetter receives system.min_loglevel.
type LevelSetter interface {
	SetUDMILevel(level udmi.Level)
}

// RestartCounter tracks process starts across restarts.
type RestartCounter interface {
	IncrementRestartCount() (int, error)
}

// Historian records system metrics.
type Historian interface {
	WriteSystemMetrics(deviceID string, fields map[string]interface{}, at time.Time)
}

// Options configures the manager.
type Options struct {
	Metadata udmi.SystemMetadata

	// Software entries merged over Metadata.Software.
	Software map[string]string

	Restarts       RestartCounter
	LevelSetter    LevelSetter
	Collector      Collector
	Historian      Historian
	MetricsRateSec int

	Now       func() time.Time
	StartTime time.Time
}

// Manager is the system manager.
type Manager struct {
	opts Options
	now  func() time.Time

	mu           sync.Mutex
	restartCount int
	rateSec      int
	minLevel     udmi.Level
	logs         []udmi.Entry
	host         device.Host
	logger       device.Logger

	rateCh chan int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ device.Manager = (*Manager)(nil)

// New creates a system manager.
func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = opts.Now()
	}
	if opts.Collector == nil {
		opts.Collector = NewHostCollector("/")
	}
	if opts.MetricsRateSec <= 0 {
		opts.MetricsRateSec = DefaultMetricsRateSec
	}
	software := make(map[string]string, len(opts.Metadata.Software)+len(opts.Software))
	for k, v := range opts.Metadata.Software {
		software[k] = v
	}
	for k, v := range opts.Software {
		software[k] = v
	}
	opts.Metadata.Software = software

	return &Manager{
		opts:    opts,
		now:     opts.Now,
		rateSec: opts.MetricsRateSec,
		rateCh:  make(chan int, 1),
		logger:  nopLogger{},
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (m *Manager) Name() string      { return "system" }
func (m *Manager) Key() string       { return udmi.KeySystem }
func (m *Manager) AlwaysApply() bool { return true }

// Start counts this process start and begins the metrics loop.
func (m *Manager) Start(ctx context.Context, host device.Host) error {
	m.mu.Lock()
	m.host = host
	m.logger = host.Logger()
	m.mu.Unlock()

	if m.opts.Restarts != nil {
		count, err := m.opts.Restarts.IncrementRestartCount()
		if err != nil {
			m.logger.Warn("restart count not persisted", "error", err)
		}
		m.mu.Lock()
		m.restartCount = count
		m.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.metricsLoop(ctx)
	return nil
}

// ApplyConfig applies min_loglevel and metrics_rate_sec. A missing system
// block restores the defaults.
func (m *Manager) ApplyConfig(_ context.Context, raw json.RawMessage) error {
	var cfg udmi.SystemConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decoding system config: %w", err)
		}
	}

	level := cfg.MinLogLevel
	if level == 0 {
		level = udmi.LevelInfo
	}
	rate := cfg.MetricsRateSec
	if rate <= 0 {
		rate = m.opts.MetricsRateSec
	}

	m.mu.Lock()
	levelChanged := level != m.minLevel
	m.minLevel = level
	rateChanged := rate != m.rateSec
	m.rateSec = rate
	m.mu.Unlock()

	if levelChanged && m.opts.LevelSetter != nil {
		m.opts.LevelSetter.SetUDMILevel(level)
	}
	if rateChanged {
		select {
		case m.rateCh <- rate:
		default:
			// A pending change is already queued; the loop reads rateSec.
		}
	}
	return nil
}

// State reports identity and operation.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := m.opts.Metadata
	return &udmi.SystemState{
		SerialNo: md.SerialNo,
		Hardware: md.Hardware,
		Software: md.Software,
		Operation: udmi.OperationState{
			Operational:  true,
			LastStart:    m.opts.StartTime.UTC(),
			RestartCount: m.restartCount,
		},
	}
}

// Stop ends the metrics loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// AddLogEntry queues an entry for the next system event. Entries below
// min_loglevel are discarded.
func (m *Manager) AddLogEntry(e udmi.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minLevel != 0 && e.Level < m.minLevel {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}
	m.logs = append(m.logs, e)
	if over := len(m.logs) - maxLogEntries; over > 0 {
		m.logs = m.logs[over:]
	}
}

// Log is a shorthand for AddLogEntry.
func (m *Manager) Log(level udmi.Level, category, message string) {
	m.AddLogEntry(udmi.Entry{Level: level, Category: category, Message: message})
}

// MetricsRate returns the current metrics interval.
func (m *Manager) MetricsRate() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.rateSec) * time.Second
}

func (m *Manager) metricsLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.MetricsRate())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.rateCh:
			ticker.Reset(m.MetricsRate())
		case <-ticker.C:
			if err := m.PublishMetrics(ctx); err != nil {
				m.logger.Warn("system event publish failed", "error", err)
			}
		}
	}
}

// PublishMetrics collects host metrics and publishes them with any queued
// log entries on events/system. Entries are requeued if publishing fails.
func (m *Manager) PublishMetrics(ctx context.Context) error {
	metrics, err := m.opts.Collector.Collect(ctx)
	if err != nil {
		m.logger.Warn("metrics collection failed", "error", err)
	}

	m.mu.Lock()
	logs := m.logs
	m.logs = nil
	host := m.host
	m.mu.Unlock()
	if host == nil {
		return nil
	}

	now := m.now().UTC()
	ev := udmi.SystemEvent{
		Version:    udmi.Version,
		Timestamp:  now,
		Metrics:    metrics,
		Logentries: logs,
	}
	if err := host.PublishEvent(udmi.SubfolderSystem, ev); err != nil {
		m.mu.Lock()
		m.logs = append(logs, m.logs...)
		m.mu.Unlock()
		return err
	}

	if metrics != nil && m.opts.Historian != nil {
		m.opts.Historian.WriteSystemMetrics(host.DeviceID(), metricFields(metrics), now)
	}
	return nil
}

func metricFields(sm *udmi.SystemMetrics) map[string]interface{} {
	return map[string]interface{}{
		"mem_total_mb":   sm.MemTotalMB,
		"mem_free_mb":    sm.MemFreeMB,
		"store_total_mb": sm.StoreTotalMB,
		"store_free_mb":  sm.StoreFreeMB,
		"system_load":    sm.SystemLoad,
	}
}
