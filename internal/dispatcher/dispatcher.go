package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/udmi-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Transport is the subset of the MQTT transport the dispatcher drives.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
	CheckAuthentication() error
}

// Handler receives one inbound document. deviceID is taken from the topic,
// so proxy traffic arrives with the proxy's id.
type Handler func(ctx context.Context, deviceID, channel string, doc udmi.Document) error

// PublishObserver sees every document successfully published.
type PublishObserver func(deviceID, channel string, payload []byte)

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records publishes and drops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher routes UDMI documents between the transport and handlers.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	transport Transport
	deviceID  string
	logger    Logger
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	handlers  map[string][]Handler
	devices   map[string]struct{}
	observers []PublishObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	poll   sync.Once
}

// New creates a dispatcher for deviceID.
func New(transport Transport, deviceID string, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		transport: transport,
		deviceID:  deviceID,
		logger:    noopLogger{},
		handlers:  make(map[string][]Handler),
		devices:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DeviceID returns the id of the device this dispatcher publishes for.
func (d *Dispatcher) DeviceID() string {
	return d.deviceID
}

// RegisterHandler adds handler for channel ("config", "commands",
// "commands/<name>", ...). Handlers for a channel run in registration order.
func (d *Dispatcher) RegisterHandler(channel string, handler Handler) {
	d.mu.Lock()
	d.handlers[channel] = append(d.handlers[channel], handler)
	d.mu.Unlock()
}

// OnPublish registers an observer for outbound documents.
func (d *Dispatcher) OnPublish(observer PublishObserver) {
	d.mu.Lock()
	d.observers = append(d.observers, observer)
	d.mu.Unlock()
}

// Start subscribes to the device's config and command topics.
func (d *Dispatcher) Start() error {
	return d.SubscribeDevice(d.deviceID)
}

// SubscribeDevice subscribes to the config and command topics of deviceID.
// Gateways call it for each attached proxy.
func (d *Dispatcher) SubscribeDevice(deviceID string) error {
	topics := d.transport.Topics()
	if err := d.transport.Subscribe(topics.Config(deviceID), d.handleMessage); err != nil {
		return fmt.Errorf("subscribing config for %s: %w", deviceID, err)
	}
	if err := d.transport.Subscribe(topics.AllCommands(deviceID), d.handleMessage); err != nil {
		return fmt.Errorf("subscribing commands for %s: %w", deviceID, err)
	}
	d.mu.Lock()
	d.devices[deviceID] = struct{}{}
	d.mu.Unlock()
	return nil
}

// UnsubscribeDevice drops the subscriptions made by SubscribeDevice.
func (d *Dispatcher) UnsubscribeDevice(deviceID string) error {
	topics := d.transport.Topics()
	d.mu.Lock()
	delete(d.devices, deviceID)
	d.mu.Unlock()
	if err := d.transport.Unsubscribe(topics.Config(deviceID)); err != nil {
		return err
	}
	return d.transport.Unsubscribe(topics.AllCommands(deviceID))
}

// StartAuthPolling calls CheckAuthentication on the transport every
// interval until ctx is cancelled or Stop is called. Only the first call
// starts a poller.
func (d *Dispatcher) StartAuthPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.poll.Do(func() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.ctx.Done():
					return
				case <-ticker.C:
					if err := d.transport.CheckAuthentication(); err != nil {
						d.logger.Error("authentication check failed", "error", err)
					}
				}
			}
		}()
	})
}

// Stop ends the auth poller and waits for it.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// =============================================================================
// Outbound
// =============================================================================

// PublishState publishes doc on the device's state topic.
func (d *Dispatcher) PublishState(doc any) error {
	return d.publish(d.deviceID, udmi.ChannelState, doc)
}

// PublishEvent publishes doc on events/<subfolder>.
func (d *Dispatcher) PublishEvent(subfolder string, doc any) error {
	if err := d.publish(d.deviceID, udmi.ChannelEvents+"/"+subfolder, doc); err != nil {
		return err
	}
	d.metrics.EventPublished(subfolder)
	return nil
}

// PublishProxyState publishes a proxy device's state under its own id.
func (d *Dispatcher) PublishProxyState(proxyID string, doc any) error {
	return d.publish(proxyID, udmi.ChannelState, doc)
}

// PublishProxyEvent publishes a proxy device's event under its own id. The
// proxy id is also stamped into the payload as device_id so consumers that
// only see the payload can attribute it.
func (d *Dispatcher) PublishProxyEvent(proxyID, subfolder string, doc any) error {
	channel := udmi.ChannelEvents + "/" + subfolder
	payload, err := encode(doc)
	if err != nil {
		return fmt.Errorf("%w: %s for %s: %w", ErrEncode, channel, proxyID, err)
	}
	if err := d.PublishRaw(proxyID, channel, stampDeviceID(payload, proxyID)); err != nil {
		return err
	}
	d.metrics.EventPublished(subfolder)
	return nil
}

// PublishRaw publishes payload unchanged on <prefix><deviceID>/<channel>.
func (d *Dispatcher) PublishRaw(deviceID, channel string, payload []byte) error {
	topic := d.transport.Topics().Channel(deviceID, channel)
	if err := d.transport.Publish(topic, payload); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	d.notify(deviceID, channel, payload)
	return nil
}

func (d *Dispatcher) publish(deviceID, channel string, doc any) error {
	payload, err := encode(doc)
	if err != nil {
		return fmt.Errorf("%w: %s for %s: %w", ErrEncode, channel, deviceID, err)
	}
	return d.PublishRaw(deviceID, channel, payload)
}

func encode(doc any) ([]byte, error) {
	switch v := doc.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(doc)
	}
}

// stampDeviceID sets device_id on a JSON object payload. Payloads that are
// not objects, or that already name a device, are returned unchanged.
func stampDeviceID(payload []byte, deviceID string) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return payload
	}
	if _, ok := fields["device_id"]; ok {
		return payload
	}
	id, err := json.Marshal(deviceID)
	if err != nil {
		return payload
	}
	fields["device_id"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

func (d *Dispatcher) notify(deviceID, channel string, payload []byte) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()
	for _, o := range observers {
		o(deviceID, channel, payload)
	}
}

// =============================================================================
// Inbound
// =============================================================================

// handleMessage is the transport callback. It never returns an error for a
// dropped message; drops are logged here.
func (d *Dispatcher) handleMessage(topic string, payload []byte) error {
	deviceID, channel, ok := d.transport.Topics().Parse(topic)
	if !ok {
		d.drop("bad_topic", "unparseable topic", "topic", topic)
		return nil
	}

	handlers := d.handlersFor(channel)
	if len(handlers) == 0 {
		d.drop("unknown_channel", "no handler for channel", "device_id", deviceID, "channel", channel)
		return nil
	}

	doc, err := parsePayload(channel, payload)
	if err != nil {
		d.drop("malformed", "malformed payload", "device_id", deviceID, "channel", channel, "error", err)
		return nil
	}

	for _, h := range handlers {
		d.invoke(h, deviceID, channel, doc.Clone())
	}
	return nil
}

// parsePayload accepts an empty payload on command channels, where an
// argument-less command may carry no body.
func parsePayload(channel string, payload []byte) (udmi.Document, error) {
	if len(payload) == 0 && strings.HasPrefix(channel, udmi.ChannelCommands) {
		return udmi.Document{}, nil
	}
	return udmi.ParseDocument(payload)
}

func (d *Dispatcher) handlersFor(channel string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := append([]Handler(nil), d.handlers[channel]...)
	if strings.HasPrefix(channel, udmi.ChannelCommands+"/") {
		out = append(out, d.handlers[udmi.ChannelCommands]...)
	}
	return out
}

func (d *Dispatcher) invoke(h Handler, deviceID, channel string, doc udmi.Document) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic recovered", "device_id", deviceID, "channel", channel, "panic", r)
		}
	}()
	if err := h(d.ctx, deviceID, channel, doc); err != nil {
		d.logger.Error("handler failed", "device_id", deviceID, "channel", channel, "error", err)
	}
}

func (d *Dispatcher) drop(reason, msg string, args ...any) {
	d.metrics.MessageDropped(reason)
	d.logger.Warn(msg, args...)
}
