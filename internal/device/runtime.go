package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/udmi-device/internal/dispatcher"
	"github.com/nerrad567/udmi-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/persistence"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Messenger is the dispatcher surface the runtime needs.
type Messenger interface {
	PublishState(doc any) error
	PublishEvent(subfolder string, doc any) error
	RegisterHandler(channel string, handler dispatcher.Handler)
}

// Options configures a Runtime.
type Options struct {
	DeviceID    string
	Messenger   Messenger
	Persistence persistence.Backend
	Logger      Logger
	Metrics     *metrics.Metrics

	// Exit terminates the process for lifecycle commands. Defaults to
	// os.Exit.
	Exit func(code int)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Runtime reconciles config against managers and publishes State.
//
// Thread Safety: all methods are safe for concurrent use.
type Runtime struct {
	deviceID  string
	messenger Messenger
	store     persistence.Backend
	logger    Logger
	metrics   *metrics.Metrics
	exit      func(int)
	now       func() time.Time
	startTime time.Time

	phase atomic.Int32

	managerMu sync.RWMutex
	managers  []Manager

	// mu guards the State document: statuses, last config, fingerprint.
	mu            sync.Mutex
	statuses      map[string]*udmi.Status
	lastConfig    time.Time
	configDoc     udmi.Document
	fingerprint   [32]byte
	published     bool
	lastState     udmi.State
	operationMode string

	cmdMu    sync.RWMutex
	commands map[string]CommandFunc

	dirty     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Runtime. Managers are added with AddManager before Start.
//
// Parameters:
//   - opts: Device id, messenger, persistence, logger, metrics and exit hook
//
// Returns:
//   - *Runtime: Runtime in the Created phase
//   - error: If the device id or messenger is missing
func New(opts Options) (*Runtime, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("device: device id is required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("device: messenger is required")
	}
	if opts.Persistence == nil {
		opts.Persistence = persistence.NewMemoryBackend()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		deviceID:  opts.DeviceID,
		messenger: opts.Messenger,
		store:     opts.Persistence,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		exit:      opts.Exit,
		now:       opts.Now,
		startTime: opts.Now(),
		statuses:  make(map[string]*udmi.Status),
		commands:  make(map[string]CommandFunc),
		dirty:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.registerLifecycleCommands()
	return r, nil
}

// DeviceID returns the device id.
func (r *Runtime) DeviceID() string { return r.deviceID }

// Phase returns the current lifecycle phase.
func (r *Runtime) Phase() Phase { return Phase(r.phase.Load()) }

// StartTime is when this runtime was created.
func (r *Runtime) StartTime() time.Time { return r.startTime }

// AddManager registers a manager. Keys must be unique.
func (r *Runtime) AddManager(m Manager) error {
	if r.Phase() != PhaseCreated {
		return ErrAlreadyStarted
	}
	r.managerMu.Lock()
	defer r.managerMu.Unlock()
	for _, existing := range r.managers {
		if existing.Key() == m.Key() {
			return fmt.Errorf("%w: key %q", ErrDuplicateManager, m.Key())
		}
	}
	r.managers = append(r.managers, m)
	return nil
}

// Manager returns the manager registered under key.
func (r *Runtime) Manager(key string) (Manager, bool) {
	r.managerMu.RLock()
	defer r.managerMu.RUnlock()
	for _, m := range r.managers {
		if m.Key() == key {
			return m, true
		}
	}
	return nil, false
}

func (r *Runtime) managerList() []Manager {
	r.managerMu.RLock()
	defer r.managerMu.RUnlock()
	return append([]Manager(nil), r.managers...)
}

// Start registers the config and command handlers, starts every manager and
// the state publisher. A manager that fails to start is reported in status
// and the rest carry on.
//
// It performs the following setup:
//  1. Moves to the Connecting phase
//  2. Registers the config and commands handlers with the messenger
//  3. Starts managers in registration order
//  4. Launches the state publisher goroutine
//
// Parameters:
//   - ctx: Parent context for manager workers; cancelled work stops on Stop
//
// Returns:
//   - error: ErrAlreadyStarted on a second call
func (r *Runtime) Start(ctx context.Context) error {
	started := false
	r.startOnce.Do(func() {
		started = true
		r.phase.Store(int32(PhaseConnecting))

		r.messenger.RegisterHandler(udmi.ChannelConfig, r.handleConfig)
		r.messenger.RegisterHandler(udmi.ChannelCommands, r.handleCommand)

		for _, m := range r.managerList() {
			h := host{r: r, logger: componentLogger{Logger: r.logger, component: m.Name()}}
			if err := r.safeCall(m, func() error { return m.Start(ctx, h) }); err != nil {
				r.logger.Error("manager start failed", "manager", m.Name(), "error", err)
				r.setStatus(m.Name(), err)
			}
		}

		r.wg.Add(1)
		go r.publisher()
		r.logger.Info("device runtime started", "device_id", r.deviceID, "managers", len(r.managers))
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Stop shuts down every manager in reverse registration order and joins the
// publisher. Safe to call more than once.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.phase.Store(int32(PhaseShuttingDown))
		r.cancel()
		r.wg.Wait()

		managers := r.managerList()
		for i := len(managers) - 1; i >= 0; i-- {
			m := managers[i]
			_ = r.safeCall(m, func() error { m.Stop(); return nil })
		}
		r.logger.Info("device runtime stopped", "device_id", r.deviceID)
	})
}

// OnConnected is wired to the transport's connect callback. It publishes the
// full State immediately, on the first connect and after every reconnect.
func (r *Runtime) OnConnected() {
	r.metrics.SetConnected(true)
	if r.phase.CompareAndSwap(int32(PhaseConnecting), int32(PhaseAwaitingFirstConfig)) {
		r.logger.Info("connected, awaiting first config")
	}
	if err := r.publishState(true); err != nil {
		r.logger.Warn("initial state publish failed", "error", err)
	}
	for _, m := range r.managerList() {
		if obs, ok := m.(ConnectionObserver); ok {
			_ = r.safeCall(m, func() error { obs.OnConnected(); return nil })
		}
	}
}

// OnDisconnected is wired to the transport's disconnect callback.
func (r *Runtime) OnDisconnected(err error) {
	r.metrics.SetConnected(false)
	r.logger.Warn("transport disconnected", "error", err)
}

// PublishEvent publishes an event for this device.
func (r *Runtime) PublishEvent(subfolder string, doc any) error {
	return r.messenger.PublishEvent(subfolder, doc)
}

// MarkDirty schedules a State publish. Signals coalesce; it never blocks.
func (r *Runtime) MarkDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// State returns the last State built by the runtime.
func (r *Runtime) State() udmi.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastState
}

// Config returns a copy of the last config document applied.
func (r *Runtime) Config() udmi.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configDoc.Clone()
}

// publisher drains dirty signals until Stop.
func (r *Runtime) publisher() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.dirty:
			if err := r.publishState(false); err != nil {
				if errors.Is(err, mqtt.ErrNotConnected) {
					r.logger.Debug("state publish deferred until connected")
					continue
				}
				r.logger.Warn("state publish failed", "error", err)
			}
		}
	}
}

// safeCall runs fn and converts a panic into an error.
func (r *Runtime) safeCall(m Manager, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("manager panic recovered", "manager", m.Name(), "panic", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// setStatus records a manager failure, keeping the original entry while the
// message is unchanged so repeated failures do not churn the State.
func (r *Runtime) setStatus(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.statuses, name)
		return
	}
	st := udmi.ErrorStatus(name, err, r.now())
	if prev, ok := r.statuses[name]; ok && prev.Message == st.Message {
		return
	}
	r.statuses[name] = st
}
