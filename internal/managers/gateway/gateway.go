// Package gateway implements the "gateway" manager. A gateway speaks for
// proxy devices that have no connection of their own: it attaches them
// through its session, routes their config, and publishes on their behalf.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/dispatcher"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

const (
	categoryAttach = "gateway.proxy.attach"
	categoryConfig = "gateway.proxy.config"
)

var emptyObject = []byte("{}")

// Messenger is the dispatcher surface the gateway needs.
type Messenger interface {
	PublishRaw(deviceID, channel string, payload []byte) error
	PublishProxyState(proxyID string, doc any) error
	PublishProxyEvent(proxyID, subfolder string, doc any) error
	SubscribeDevice(deviceID string) error
	UnsubscribeDevice(deviceID string) error
	RegisterHandler(channel string, handler dispatcher.Handler)
}

// ConfigFunc receives config documents addressed to one proxy.
type ConfigFunc func(ctx context.Context, proxyID string, config udmi.Document) error

// Options configures the manager.
type Options struct {
	Messenger Messenger
	Metadata  *udmi.GatewayMetadata

	// NewProxy supplies the config handler for proxies provisioned through
	// metadata or gateway.proxy_ids. Nil leaves their config unhandled.
	NewProxy func(proxyID string) ConfigFunc

	Now func() time.Time
}

type origin int

const (
	originExplicit origin = iota
	originMetadata
	originConfig
)

type proxy struct {
	id       string
	origin   origin
	handler  ConfigFunc
	attached bool
	status   *udmi.Status
}

// Manager attaches and serves proxy devices.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	proxies map[string]*proxy
	host    device.Host
	logger  device.Logger
}

var (
	_ device.Manager            = (*Manager)(nil)
	_ device.ConnectionObserver = (*Manager)(nil)
)

// New creates a gateway manager.
func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:    opts,
		now:     opts.Now,
		proxies: make(map[string]*proxy),
		logger:  nopLogger{},
	}
	if opts.Metadata != nil {
		for _, id := range opts.Metadata.ProxyIDs {
			if id == "" {
				continue
			}
			m.proxies[id] = &proxy{id: id, origin: originMetadata, handler: m.handlerFor(id)}
		}
	}
	return m
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (m *Manager) Name() string      { return "gateway" }
func (m *Manager) Key() string       { return udmi.KeyGateway }
func (m *Manager) AlwaysApply() bool { return true }

func (m *Manager) handlerFor(id string) ConfigFunc {
	if m.opts.NewProxy == nil {
		return nil
	}
	return m.opts.NewProxy(id)
}

// Start registers the proxy config route. Proxies are attached on connect.
func (m *Manager) Start(_ context.Context, host device.Host) error {
	m.mu.Lock()
	m.host = host
	m.logger = host.Logger()
	m.mu.Unlock()
	m.opts.Messenger.RegisterHandler(udmi.ChannelConfig, m.handleConfig)
	return nil
}

// Stop detaches every attached proxy, best effort.
func (m *Manager) Stop() {
	m.mu.Lock()
	var ids []string
	for id, p := range m.proxies {
		if p.attached {
			ids = append(ids, id)
			p.attached = false
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.opts.Messenger.PublishRaw(id, udmi.ChannelDetach, emptyObject); err != nil {
			m.logger.Debug("detach on stop failed", "proxy_id", id, "error", err)
		}
	}
}

// OnConnected re-attaches every proxy after a (re)connect.
func (m *Manager) OnConnected() {
	for _, id := range m.ProxyIDs() {
		_ = m.attach(id)
	}
	m.markDirty()
}

// ProxyIDs returns the registered proxy ids, sorted.
func (m *Manager) ProxyIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.proxies))
	for id := range m.proxies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddProxy registers a proxy, subscribes to its topics and publishes attach.
// A failed attach is kept registered and retried on the next connect.
func (m *Manager) AddProxy(id string, handler ConfigFunc) error {
	if err := m.add(id, originExplicit, handler); err != nil {
		return err
	}
	err := m.attach(id)
	m.markDirty()
	return err
}

func (m *Manager) add(id string, o origin, handler ConfigFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" || (m.host != nil && id == m.host.DeviceID()) {
		return fmt.Errorf("%w: %q", ErrInvalidProxyID, id)
	}
	if p, ok := m.proxies[id]; ok {
		if handler != nil {
			p.handler = handler
		}
		if o == originExplicit {
			p.origin = o
		}
		return nil
	}
	m.proxies[id] = &proxy{id: id, origin: o, handler: handler}
	return nil
}

// RemoveProxy publishes detach and forgets the proxy.
func (m *Manager) RemoveProxy(id string) error {
	m.mu.Lock()
	_, ok := m.proxies[id]
	delete(m.proxies, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}
	defer m.markDirty()

	if err := m.opts.Messenger.PublishRaw(id, udmi.ChannelDetach, emptyObject); err != nil {
		m.logger.Warn("proxy detach failed", "proxy_id", id, "error", err)
		return fmt.Errorf("detaching %s: %w", id, err)
	}
	if err := m.opts.Messenger.UnsubscribeDevice(id); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", id, err)
	}
	m.logger.Info("proxy detached", "proxy_id", id)
	return nil
}

func (m *Manager) attach(id string) error {
	err := m.opts.Messenger.SubscribeDevice(id)
	if err == nil {
		err = m.opts.Messenger.PublishRaw(id, udmi.ChannelAttach, emptyObject)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil
	}
	if err != nil {
		p.attached = false
		p.status = udmi.NewStatus(categoryAttach, udmi.LevelError, err.Error(), m.now())
		m.logger.Warn("proxy attach failed", "proxy_id", id, "error", err)
		return fmt.Errorf("attaching %s: %w", id, err)
	}
	p.attached = true
	if p.status != nil && p.status.Category == categoryAttach {
		p.status = nil
	}
	m.logger.Info("proxy attached", "proxy_id", id)
	return nil
}

// PublishProxyEvent publishes event on events/<subfolder> under the proxy's
// own id.
func (m *Manager) PublishProxyEvent(proxyID, subfolder string, event any) error {
	if !m.known(proxyID) {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, proxyID)
	}
	return m.opts.Messenger.PublishProxyEvent(proxyID, subfolder, event)
}

// PublishProxyState publishes a state document under the proxy's own id.
func (m *Manager) PublishProxyState(proxyID string, state any) error {
	if !m.known(proxyID) {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, proxyID)
	}
	return m.opts.Messenger.PublishProxyState(proxyID, state)
}

func (m *Manager) known(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.proxies[id]
	return ok
}

// ApplyConfig reconciles config-provisioned proxies against
// gateway.proxy_ids. Proxies added through AddProxy or metadata are never
// removed by config.
func (m *Manager) ApplyConfig(_ context.Context, raw json.RawMessage) error {
	var cfg udmi.GatewayConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decoding gateway config: %w", err)
		}
	}
	want := make(map[string]bool, len(cfg.ProxyIDs))
	for _, id := range cfg.ProxyIDs {
		want[id] = true
	}

	var added, removed []string
	m.mu.Lock()
	for id := range want {
		if _, ok := m.proxies[id]; !ok {
			added = append(added, id)
		}
	}
	for id, p := range m.proxies {
		if p.origin == originConfig && !want[id] {
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(added)
	sort.Strings(removed)

	for _, id := range added {
		if err := m.add(id, originConfig, m.handlerFor(id)); err != nil {
			m.logger.Warn("ignoring proxy id", "proxy_id", id, "error", err)
			continue
		}
		_ = m.attach(id)
	}
	for _, id := range removed {
		_ = m.RemoveProxy(id)
	}
	if len(added) > 0 || len(removed) > 0 {
		m.markDirty()
	}
	return nil
}

// handleConfig routes config documents for attached proxies.
func (m *Manager) handleConfig(ctx context.Context, deviceID, _ string, doc udmi.Document) error {
	m.mu.Lock()
	if m.host != nil && deviceID == m.host.DeviceID() {
		m.mu.Unlock()
		return nil
	}
	p, ok := m.proxies[deviceID]
	var handler ConfigFunc
	if ok {
		handler = p.handler
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("config for unknown proxy", "device_id", deviceID)
		return nil
	}
	if handler == nil {
		m.logger.Debug("no config handler for proxy", "proxy_id", deviceID)
		return nil
	}

	err := safeConfig(ctx, handler, deviceID, doc)

	m.mu.Lock()
	p, ok = m.proxies[deviceID]
	changed := false
	if ok {
		switch {
		case err != nil:
			p.status = udmi.NewStatus(categoryConfig, udmi.LevelError, err.Error(), m.now())
			changed = true
		case p.status != nil && p.status.Category == categoryConfig:
			p.status = nil
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.markDirty()
	}
	if err != nil {
		return fmt.Errorf("proxy %s config: %w", deviceID, err)
	}
	return nil
}

func safeConfig(ctx context.Context, fn ConfigFunc, id string, doc udmi.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, id, doc)
}

// State reports each proxy's attachment and last error. It is nil when no
// proxies are registered.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.proxies) == 0 {
		return nil
	}
	st := &udmi.GatewayState{Proxies: make(map[string]udmi.ProxyStateEntry, len(m.proxies))}
	for id, p := range m.proxies {
		st.Proxies[id] = udmi.ProxyStateEntry{Attached: p.attached, Status: p.status}
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
