package mqtt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// =============================================================================
// Fake paho client
// =============================================================================

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	d := make(chan struct{})
	close(d)
	return &fakeToken{err: err, done: d}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

// fakeBroker hands out fake clients and records what they do.
type fakeBroker struct {
	mu          sync.Mutex
	clients     []*fakeClient
	connectErrs []error
	published   []published
	// stall leaves connect tokens pending until Disconnect.
	stall bool
}

func (b *fakeBroker) newClient(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{broker: b, opts: opts, handlers: make(map[string]pahomqtt.MessageHandler)}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) failNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrs = append(b.connectErrs, errs...)
}

func (b *fakeBroker) nextConnectErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connectErrs) == 0 {
		return nil
	}
	err := b.connectErrs[0]
	b.connectErrs = b.connectErrs[1:]
	return err
}

func (b *fakeBroker) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) client(i int) *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[i]
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1]
}

func (b *fakeBroker) publishedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, p := range b.published {
		out[i] = p.topic
	}
	return out
}

type fakeClient struct {
	broker *fakeBroker
	opts   *pahomqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	disconnects int
	pending     *fakeToken
	handlers    map[string]pahomqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.broker.mu.Lock()
	stall := c.broker.stall
	c.broker.mu.Unlock()
	if stall {
		tok := &fakeToken{done: make(chan struct{})}
		c.mu.Lock()
		c.pending = tok
		c.mu.Unlock()
		return tok
	}
	if err := c.broker.nextConnectErr(); err != nil {
		return newToken(err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	data, _ := payload.([]byte)
	c.broker.mu.Lock()
	c.broker.published = append(c.broker.published, published{topic: topic, payload: data})
	c.broker.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = cb
	c.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, 1, cb)
	}
	return newToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.NewOptionsReader(c.opts)
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// deliver routes a message through the matching subscription, honouring a
// trailing "#" wildcard.
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	var cb pahomqtt.MessageHandler
	for filter, h := range c.handlers {
		if filter == topic || (strings.HasSuffix(filter, "#") && strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))) {
			cb = h
			break
		}
	}
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(c, fakeMessage{topic: topic, payload: payload})
	return true
}

// drop simulates a network loss.
func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

// =============================================================================
// Fake credentials
// =============================================================================

type fakeCredentials struct {
	mu           sync.Mutex
	passwordErrs []error
	needsRefresh bool
	refreshes    int
}

func (f *fakeCredentials) Username() string { return "unused" }
func (f *fakeCredentials) SkipAuth() bool   { return false }

func (f *fakeCredentials) Password() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.passwordErrs) > 0 {
		err := f.passwordErrs[0]
		f.passwordErrs = f.passwordErrs[1:]
		return "", err
	}
	return "token", nil
}

func (f *fakeCredentials) NeedsRefresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsRefresh
}

func (f *fakeCredentials) Refresh() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.needsRefresh = false
	return nil
}

var errBrokerDown = errors.New("connection refused")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
