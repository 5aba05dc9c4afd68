// Package discovery implements the "discovery" manager: scheduled scans by
// pluggable family controllers and self-enumeration of the device's points.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Family is a discovery protocol controller. Scan runs one scan, calling
// report for each discovered entity, and returns when the scan completes or
// ctx ends.
type Family interface {
	Name() string
	Scan(ctx context.Context, report func(Result)) error
}

// Result is one discovered entity.
type Result struct {
	Addr       string
	Points     map[string]udmi.PointEnumeration
	Properties map[string]any
}

// Enumerator describes the device's own points.
type Enumerator interface {
	Enumerate() map[string]udmi.PointEnumeration
}

// Options configures the manager.
type Options struct {
	Families   []Family
	Enumerator Enumerator
	Now        func() time.Time
}

const (
	categoryScan      = "discovery.family.scan"
	categoryEnumerate = "discovery.enumerate"
)

// run is one scheduled worker for a family.
type run struct {
	cfg    udmi.FamilyConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager schedules discovery workers.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	opts     Options
	now      func() time.Time
	families map[string]Family

	mu          sync.Mutex
	states      map[string]*udmi.FamilyState
	runs        map[string]*run
	enumeration *udmi.FamilyState
	enumGen     *time.Time
	host        device.Host
	logger      device.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ device.Manager = (*Manager)(nil)

// New creates a discovery manager.
func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		now:      opts.Now,
		families: make(map[string]Family, len(opts.Families)),
		states:   make(map[string]*udmi.FamilyState),
		runs:     make(map[string]*run),
		logger:   nopLogger{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, f := range opts.Families {
		m.families[f.Name()] = f
	}
	return m
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (m *Manager) Name() string      { return "discovery" }
func (m *Manager) Key() string       { return udmi.KeyDiscovery }
func (m *Manager) AlwaysApply() bool { return true }

func (m *Manager) Start(_ context.Context, host device.Host) error {
	m.mu.Lock()
	m.host = host
	m.logger = host.Logger()
	m.mu.Unlock()
	return nil
}

// Stop cancels every worker and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Families returns the registered family names, sorted.
func (m *Manager) Families() []string {
	names := make([]string, 0, len(m.families))
	for name := range m.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyConfig schedules families whose generation or timing changed, stops
// families dropped from config, and runs self-enumeration when its
// generation changes.
func (m *Manager) ApplyConfig(_ context.Context, raw json.RawMessage) error {
	var cfg udmi.DiscoveryConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decoding discovery config: %w", err)
		}
	}

	m.mu.Lock()
	var stop []string
	for name := range m.runs {
		if _, ok := cfg.Families[name]; !ok {
			stop = append(stop, name)
		}
	}
	for name := range m.states {
		_, known := m.families[name]
		_, wanted := cfg.Families[name]
		if !known && !wanted {
			delete(m.states, name)
		}
	}
	m.mu.Unlock()
	for _, name := range stop {
		_ = m.StopDiscovery(name)
	}

	names := make([]string, 0, len(cfg.Families))
	for name := range cfg.Families {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.schedule(name, cfg.Families[name])
	}

	m.enumerate(cfg.Enumerate)
	m.markDirty()
	return nil
}

func sameConfig(a, b udmi.FamilyConfig) bool {
	if (a.Generation == nil) != (b.Generation == nil) {
		return false
	}
	if a.Generation != nil && !a.Generation.Equal(*b.Generation) {
		return false
	}
	return a.ScanIntervalSec == b.ScanIntervalSec &&
		a.ScanDurationSec == b.ScanDurationSec &&
		a.Enumerate == b.Enumerate
}

func (m *Manager) schedule(name string, cfg udmi.FamilyConfig) {
	family, ok := m.families[name]
	if !ok {
		m.mu.Lock()
		m.states[name] = &udmi.FamilyState{
			Generation: cfg.Generation,
			Status: udmi.NewStatus(categoryScan, udmi.LevelError,
				fmt.Sprintf("%v: %s", ErrUnknownFamily, name), m.now()),
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	cur, running := m.runs[name]
	m.mu.Unlock()
	if running && sameConfig(cur.cfg, cfg) {
		return
	}
	if running {
		_ = m.StopDiscovery(name)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[name] = r
	m.states[name] = &udmi.FamilyState{Generation: cfg.Generation, Phase: udmi.DiscoveryPending}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx, family, r)
}

// StopDiscovery cancels the family's worker and blocks until it exits.
func (m *Manager) StopDiscovery(name string) error {
	m.mu.Lock()
	r, ok := m.runs[name]
	m.mu.Unlock()
	if !ok {
		if _, known := m.families[name]; !known {
			return fmt.Errorf("%w: %s", ErrUnknownFamily, name)
		}
		return nil
	}

	r.cancel()
	<-r.done

	m.mu.Lock()
	if m.runs[name] == r {
		delete(m.runs, name)
		if st := m.states[name]; st != nil {
			st.Phase = udmi.DiscoveryStopped
		}
	}
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *Manager) worker(ctx context.Context, family Family, r *run) {
	defer m.wg.Done()
	defer close(r.done)
	name := family.Name()

	generation := m.now().UTC()
	if r.cfg.Generation != nil {
		generation = r.cfg.Generation.UTC()
		if wait := generation.Sub(m.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	for {
		gen := generation
		m.update(name, r, func(st *udmi.FamilyState) {
			st.Generation = &gen
			st.Phase = udmi.DiscoveryActive
			st.RecordCount = 0
			st.Status = nil
		})

		err := m.scanOnce(ctx, family, r, gen)
		if ctx.Err() != nil {
			return
		}
		m.update(name, r, func(st *udmi.FamilyState) {
			st.Phase = udmi.DiscoveryDone
			if err != nil {
				st.Status = udmi.NewStatus(categoryScan, udmi.LevelError, err.Error(), m.now())
			}
		})
		if err != nil {
			m.logger.Warn("discovery scan failed", "family", name, "error", err)
		}

		if r.cfg.ScanIntervalSec <= 0 {
			return
		}
		next := gen.Add(time.Duration(r.cfg.ScanIntervalSec) * time.Second)
		wait := next.Sub(m.now())
		if wait < 0 {
			wait = 0
			next = m.now().UTC()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		generation = next
	}
}

func (m *Manager) scanOnce(ctx context.Context, family Family, r *run, gen time.Time) (err error) {
	scanCtx := ctx
	if r.cfg.ScanDurationSec > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.ScanDurationSec)*time.Second)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scan panic: %v", p)
		}
	}()

	name := family.Name()
	report := func(res Result) {
		if scanCtx.Err() != nil {
			return
		}
		m.publish(udmi.DiscoveryEvent{
			Generation: &gen,
			Family:     name,
			Addr:       res.Addr,
			Points:     res.Points,
			Properties: res.Properties,
		})
		m.update(name, r, func(st *udmi.FamilyState) { st.RecordCount++ })
	}

	err = family.Scan(scanCtx, report)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Scan duration elapsed.
		err = nil
	}
	return err
}

func (m *Manager) update(name string, r *run, fn func(*udmi.FamilyState)) {
	m.mu.Lock()
	if m.runs[name] != r {
		m.mu.Unlock()
		return
	}
	st := m.states[name]
	if st == nil {
		st = &udmi.FamilyState{}
		m.states[name] = st
	}
	fn(st)
	m.mu.Unlock()
	m.markDirty()
}

func (m *Manager) publish(ev udmi.DiscoveryEvent) {
	m.mu.Lock()
	host := m.host
	m.mu.Unlock()
	if host == nil {
		return
	}
	ev.Version = udmi.Version
	ev.Timestamp = m.now().UTC()
	if err := host.PublishEvent(udmi.SubfolderDiscovery, ev); err != nil {
		m.logger.Warn("discovery event publish failed", "family", ev.Family, "error", err)
	}
}

// enumerate publishes the device's own point model once per generation.
func (m *Manager) enumerate(cfg *udmi.EnumerateConfig) {
	if cfg == nil || cfg.Generation == nil {
		return
	}
	m.mu.Lock()
	if m.enumGen != nil && m.enumGen.Equal(*cfg.Generation) {
		m.mu.Unlock()
		return
	}
	gen := cfg.Generation.UTC()
	m.enumGen = &gen
	m.mu.Unlock()

	st := &udmi.FamilyState{Generation: &gen, Phase: udmi.DiscoveryDone}
	if m.opts.Enumerator == nil {
		st.Status = udmi.NewStatus(categoryEnumerate, udmi.LevelWarning, "enumeration not supported", m.now())
	} else {
		points := m.opts.Enumerator.Enumerate()
		st.RecordCount = len(points)
		m.publish(udmi.DiscoveryEvent{Generation: &gen, Points: points})
	}

	m.mu.Lock()
	m.enumeration = st
	m.mu.Unlock()
}

// State reports enumeration and per-family progress. It is nil before any
// discovery has been requested.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 && m.enumeration == nil {
		return nil
	}
	st := &udmi.DiscoveryState{}
	if m.enumeration != nil {
		e := *m.enumeration
		st.Enumeration = &e
	}
	if len(m.states) > 0 {
		st.Families = make(map[string]udmi.FamilyState, len(m.states))
		for name, fs := range m.states {
			st.Families[name] = *fs
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
