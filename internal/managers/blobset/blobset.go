// Package blobset implements the "blobset" manager, which fetches, verifies
// and applies the blobs named in config.
package blobset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/udmi-device/internal/blob"
	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

const category = "blobset.blob.apply"

// Options configures the manager.
type Options struct {
	Pipeline   *blob.Pipeline
	Processors map[string]blob.Processor
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type job struct {
	cfg    udmi.BlobConfig
	phase  string
	status *udmi.Status
	cancel context.CancelFunc
}

// Manager runs blob jobs on its own goroutines.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	opts Options
	now  func() time.Time

	mu         sync.Mutex
	processors map[string]blob.Processor
	jobs       map[string]*job
	host       device.Host
	logger     device.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ device.Manager = (*Manager)(nil)

// New creates a blobset manager.
func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pipeline == nil {
		opts.Pipeline = blob.NewPipeline(blob.PipelineOptions{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:       opts,
		now:        opts.Now,
		processors: make(map[string]blob.Processor),
		jobs:       make(map[string]*job),
		logger:     nopLogger{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for k, p := range opts.Processors {
		m.processors[k] = p
	}
	return m
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (m *Manager) Name() string      { return "blobset" }
func (m *Manager) Key() string       { return udmi.KeyBlobset }
func (m *Manager) AlwaysApply() bool { return true }

// RegisterProcessor sets the processor for blob key, replacing any other.
func (m *Manager) RegisterProcessor(key string, proc blob.Processor) {
	m.mu.Lock()
	m.processors[key] = proc
	m.mu.Unlock()
}

func (m *Manager) Start(_ context.Context, host device.Host) error {
	m.mu.Lock()
	m.host = host
	m.logger = host.Logger()
	m.mu.Unlock()
	return nil
}

// Stop cancels running jobs and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every job started so far has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// ApplyConfig starts a job for every blob whose generation changed and
// cancels jobs for blobs no longer in config. Phases "apply", "final" and
// empty all request the blob be applied.
func (m *Manager) ApplyConfig(_ context.Context, raw json.RawMessage) error {
	var cfg udmi.BlobsetConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decoding blobset config: %w", err)
		}
	}

	m.mu.Lock()
	changed := false
	for key, j := range m.jobs {
		if _, ok := cfg.Blobs[key]; !ok {
			if j.cancel != nil {
				j.cancel()
			}
			delete(m.jobs, key)
			changed = true
		}
	}

	for key, bc := range cfg.Blobs {
		if cur, ok := m.jobs[key]; ok && cur.cfg == bc {
			continue
		}
		if cur, ok := m.jobs[key]; ok && cur.cancel != nil {
			cur.cancel()
		}
		changed = true

		j := &job{cfg: bc, phase: udmi.PhaseApply}
		m.jobs[key] = j

		proc, ok := m.processors[key]
		switch {
		case bc.Phase != "" && bc.Phase != udmi.PhaseApply && bc.Phase != udmi.PhaseFinal:
			j.phase = udmi.PhaseFinal
			j.status = udmi.NewStatus(category, udmi.LevelWarning, fmt.Sprintf("unsupported phase %q", bc.Phase), m.now())
			continue
		case !ok:
			j.phase = udmi.PhaseFinal
			j.status = udmi.NewStatus(category, udmi.LevelError, "no processor for blob "+key, m.now())
			m.opts.Metrics.BlobJob(metrics.BlobFailed)
			continue
		}

		ctx, cancel := context.WithCancel(m.ctx)
		j.cancel = cancel
		m.wg.Add(1)
		go m.run(ctx, key, j, proc)
	}

	host := m.host
	m.mu.Unlock()

	if changed && host != nil {
		host.MarkDirty()
	}
	return nil
}

func (m *Manager) run(ctx context.Context, key string, j *job, proc blob.Processor) {
	defer m.wg.Done()
	defer j.cancel()

	err := m.opts.Pipeline.Run(ctx, blob.Job{
		Key:        key,
		URL:        j.cfg.URL,
		SHA256:     j.cfg.SHA256,
		Generation: j.cfg.Generation,
	}, proc)

	if ctx.Err() != nil {
		// Superseded or stopping; the replacement reports instead.
		return
	}

	var status *udmi.Status
	result := metrics.BlobApplied
	switch {
	case err == nil:
	case errors.Is(err, blob.ErrAlreadyApplied):
		result = metrics.BlobSkipped
	case errors.Is(err, blob.ErrHashMismatch):
		result = metrics.BlobMismatch
		status = udmi.NewStatus(category, udmi.LevelError, err.Error(), m.now())
	default:
		result = metrics.BlobFailed
		status = udmi.NewStatus(category, udmi.LevelError, err.Error(), m.now())
	}
	m.opts.Metrics.BlobJob(result)

	m.mu.Lock()
	if m.jobs[key] == j {
		j.phase = udmi.PhaseFinal
		j.status = status
	}
	host := m.host
	logger := m.logger
	m.mu.Unlock()

	if err != nil && status != nil {
		logger.Error("blob job failed", "key", key, "generation", j.cfg.Generation, "error", err)
	} else {
		logger.Info("blob job finished", "key", key, "generation", j.cfg.Generation, "result", result)
	}
	if host != nil {
		host.MarkDirty()
	}
}

// State reports phase, generation and status per blob. It is nil when no
// blobs are configured.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) == 0 {
		return nil
	}
	st := &udmi.BlobsetState{Blobs: make(map[string]udmi.BlobState, len(m.jobs))}
	for key, j := range m.jobs {
		st.Blobs[key] = udmi.BlobState{
			Phase:      j.phase,
			Generation: j.cfg.Generation,
			Status:     j.status,
		}
	}
	return st
}
