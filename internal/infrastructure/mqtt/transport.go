package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/udmi-device/internal/auth"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// State is the transport connection state.
type State int32

// Transport states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Logger is the logging interface used by the transport.
// Compatible with logging.Logger and slog.Logger.
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

// MessageHandler is the callback for received messages. Handlers run one at
// a time on the transport's I/O goroutine, in arrival order.
//
// Parameters:
//   - topic: The topic the message was received on
//   - payload: The raw message payload (UDMI JSON)
//
// Returns:
//   - error: Logged; the message is not redelivered
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	handler MessageHandler
}

type inboundMessage struct {
	topic   string
	payload []byte
	handler MessageHandler
}

type lostEvent struct {
	client pahomqtt.Client
	err    error
}

// Transport owns one MQTT session to a UDMI endpoint: the connect loop with
// backoff, credential refresh, subscriptions, and the inbound I/O loop.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are re-issued on every (re)connect.
type Transport struct {
	opts   Options
	logger Logger
	qos    byte

	state atomic.Int32

	mu          sync.RWMutex
	endpoint    udmi.EndpointConfiguration
	credentials auth.CredentialProvider
	client      pahomqtt.Client

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	callbackMu   sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)

	inbound   chan inboundMessage
	lost      chan lostEvent
	reconnect chan string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	runOnce   sync.Once
	closeOnce sync.Once
}

// New creates a transport. It does not connect; call Connect and Run.
//
// Parameters:
//   - opts: Endpoint, credential provider, TLS material and backoff bounds
//
// Returns:
//   - *Transport: Disconnected transport ready for Subscribe/Connect
//   - error: If the endpoint is invalid or the QoS is not 0, 1 or 2
func New(opts Options) (*Transport, error) {
	if err := opts.Endpoint.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	if *opts.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:          opts,
		logger:        opts.Logger,
		qos:           *opts.QoS,
		endpoint:      opts.Endpoint,
		credentials:   opts.Credentials,
		subscriptions: make(map[string]subscription),
		inbound:       make(chan inboundMessage, opts.QueueSize),
		lost:          make(chan lostEvent, 1),
		reconnect:     make(chan string, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	return t, nil
}

// State returns the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
}

// IsConnected reports whether a session is live.
func (t *Transport) IsConnected() bool {
	if t.State() != Connected {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil && t.client.IsConnected()
}

// Endpoint returns the endpoint currently in use.
func (t *Transport) Endpoint() udmi.EndpointConfiguration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

// Topics returns the topic builder for the current endpoint.
func (t *Transport) Topics() Topics {
	return Topics{Prefix: t.Endpoint().Prefix()}
}

// SetOnConnect sets a callback invoked after every successful (re)connect,
// once subscriptions have been re-issued.
func (t *Transport) SetOnConnect(callback func()) {
	t.callbackMu.Lock()
	t.onConnect = callback
	t.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the session is lost.
func (t *Transport) SetOnDisconnect(callback func(err error)) {
	t.callbackMu.Lock()
	t.onDisconnect = callback
	t.callbackMu.Unlock()
}

// Connect starts the supervised connect loop and returns immediately.
// Completion is reported through SetOnConnect.
//
// Each attempt in the loop:
//  1. Builds client options and TLS settings for the current endpoint
//  2. Obtains a fresh password from the credential provider
//  3. Connects, bounded by the connect timeout
//  4. On failure, waits with exponential backoff and tries again
//
// Returns:
//   - error: ErrClosed after Close, nil otherwise
func (t *Transport) Connect() error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	t.startOnce.Do(func() {
		t.setState(Connecting)
		t.wg.Add(1)
		go t.supervise()
	})
	return nil
}

// Run starts the I/O loop that delivers inbound messages to handlers. It
// returns immediately; the loop stops when ctx is cancelled or on Close.
func (t *Transport) Run(ctx context.Context) {
	t.runOnce.Do(func() {
		t.wg.Add(1)
		go t.ioLoop(ctx)
	})
}

// Reconnect switches to a new endpoint and forces a fresh session.
func (t *Transport) Reconnect(ep udmi.EndpointConfiguration) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	var creds auth.CredentialProvider
	if t.opts.ProviderFactory != nil {
		var err error
		if creds, err = t.opts.ProviderFactory(ep); err != nil {
			return fmt.Errorf("building credentials for %s: %w", ep.Hostname, err)
		}
	}

	t.mu.Lock()
	t.endpoint = ep
	if creds != nil {
		t.credentials = creds
	}
	t.mu.Unlock()

	t.logger.Info("switching endpoint", "hostname", ep.Hostname, "port", ep.PortOrDefault())
	t.requestReconnect("endpoint changed")
	return nil
}

// CheckAuthentication refreshes credentials that are about to expire and
// reloads a rotated client certificate. Either forces a reconnect, since
// MQTT cannot swap credentials on a live session.
func (t *Transport) CheckAuthentication() error {
	if t.opts.CertHolder != nil {
		changed, err := t.opts.CertHolder.ReloadIfChanged()
		if err != nil {
			t.logger.Error("client certificate reload failed", "error", err)
		} else if changed {
			t.requestReconnect("client certificate rotated")
		}
	}

	t.mu.RLock()
	creds := t.credentials
	t.mu.RUnlock()
	if creds == nil || !creds.NeedsRefresh() {
		return nil
	}

	if err := creds.Refresh(); err != nil {
		t.logger.Error("credential refresh failed", "error", err)
		return err
	}
	t.requestReconnect("credentials refreshed")
	return nil
}

func (t *Transport) requestReconnect(reason string) {
	select {
	case t.reconnect <- reason:
	default:
	}
}

// Close stops the connect and I/O loops, disconnects, and waits for every
// goroutine to exit. A connect still in flight is aborted, not abandoned.
//
// Returns:
//   - error: Always nil; safe to call more than once
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()

		t.mu.Lock()
		client := t.client
		t.client = nil
		t.mu.Unlock()
		if client != nil {
			client.Disconnect(defaultDisconnectQuiesce)
		}
		t.setState(Disconnected)
	})
	return nil
}

// supervise connects with exponential backoff, then waits for the session
// to drop or for a reconnect request, and starts over.
func (t *Transport) supervise() {
	defer t.wg.Done()

	for {
		client := t.connectWithBackoff()
		if client == nil {
			return
		}
		t.handleConnect(client)

	session:
		for {
			select {
			case <-t.ctx.Done():
				return
			case ev := <-t.lost:
				if ev.client != client {
					continue // stale client from an earlier session
				}
				t.handleDisconnect(client, ev.err)
				break session
			case reason := <-t.reconnect:
				t.logger.Info("reconnecting", "reason", reason)
				t.dropClient(client)
				client.Disconnect(defaultDisconnectQuiesce)
				t.setState(Reconnecting)
				break session
			}
		}
	}
}

func (t *Transport) connectWithBackoff() pahomqtt.Client {
	backoff := t.opts.InitialDelay
	for {
		client, err := t.attempt()
		if err == nil {
			return client
		}
		t.logger.Warn("mqtt connect failed", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if backoff *= 2; backoff > t.opts.MaxDelay {
			backoff = t.opts.MaxDelay
		}
	}
}

// attempt makes one connection attempt with freshly obtained credentials.
func (t *Transport) attempt() (pahomqtt.Client, error) {
	t.mu.RLock()
	ep := t.endpoint
	creds := t.credentials
	t.mu.RUnlock()

	tlsCfg, err := tlsFor(ep, t.opts.CAFile, t.opts.CertHolder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	opts := buildClientOptions(ep, tlsCfg)

	switch {
	case creds == nil:
		if ep.Auth == nil && (tlsCfg == nil || t.opts.CertHolder == nil) {
			t.logger.Warn("connecting without authentication", "hostname", ep.Hostname)
		}
	case creds.SkipAuth():
	default:
		password, err := creds.Password()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		opts.SetUsername(creds.Username())
		opts.SetPassword(password)
	}

	var client pahomqtt.Client
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		select {
		case t.lost <- lostEvent{client: client, err: err}:
		default:
		}
	})

	client = t.opts.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(defaultConnectTimeout):
		// Abort the in-flight connect so it cannot complete behind our back.
		client.Disconnect(defaultDisconnectQuiesce)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	case <-t.ctx.Done():
		client.Disconnect(defaultDisconnectQuiesce)
		return nil, ErrClosed
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return client, nil
}

func (t *Transport) handleConnect(client pahomqtt.Client) {
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.setState(Connected)

	t.logger.Info("mqtt connected", "hostname", t.Endpoint().Hostname)
	t.restoreSubscriptions(client)

	t.callbackMu.RLock()
	callback := t.onConnect
	t.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (t *Transport) handleDisconnect(client pahomqtt.Client, err error) {
	t.dropClient(client)
	t.setState(Reconnecting)
	t.logger.Warn("mqtt connection lost", "error", err)

	t.callbackMu.RLock()
	callback := t.onDisconnect
	t.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (t *Transport) dropClient(client pahomqtt.Client) {
	t.mu.Lock()
	if t.client == client {
		t.client = nil
	}
	t.mu.Unlock()
}

func (t *Transport) currentClient() pahomqtt.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}
