package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe registers handler for topic. The subscription is issued now if
// connected, and again on every reconnect.
func (t *Transport) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = subscription{topic: topic, handler: handler}
	t.subMu.Unlock()

	client := t.currentClient()
	if client == nil || t.State() != Connected {
		return nil
	}
	return t.issue(client, subscription{topic: topic, handler: handler})
}

// Unsubscribe forgets topic. The broker-side subscription ends with the
// current session at the latest.
func (t *Transport) Unsubscribe(topic string) error {
	t.subMu.Lock()
	delete(t.subscriptions, topic)
	t.subMu.Unlock()

	if client := t.currentClient(); client != nil && t.State() == Connected {
		token := client.Unsubscribe(topic)
		if !token.WaitTimeout(defaultPublishTimeout) {
			return fmt.Errorf("%w: unsubscribe timeout", ErrTimeout)
		}
		return token.Error()
	}
	return nil
}

// HasSubscription reports whether topic is registered.
func (t *Transport) HasSubscription(topic string) bool {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	_, ok := t.subscriptions[topic]
	return ok
}

// SubscriptionCount returns the number of registered subscriptions.
func (t *Transport) SubscriptionCount() int {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	return len(t.subscriptions)
}

func (t *Transport) issue(client pahomqtt.Client, sub subscription) error {
	token := client.Subscribe(sub.topic, t.qos, t.enqueue(sub.handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (t *Transport) restoreSubscriptions(client pahomqtt.Client) {
	t.subMu.RLock()
	subs := make([]subscription, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		subs = append(subs, s)
	}
	t.subMu.RUnlock()

	for _, s := range subs {
		if err := t.issue(client, s); err != nil {
			t.logger.Error("re-subscribe failed", "topic", s.topic, "error", err)
		}
	}
}

// enqueue adapts a handler to paho: messages are queued for the I/O loop
// instead of being handled on paho's router goroutine.
func (t *Transport) enqueue(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		in := inboundMessage{topic: msg.Topic(), payload: msg.Payload(), handler: handler}
		select {
		case t.inbound <- in:
		case <-t.ctx.Done():
		}
	}
}

// ioLoop delivers queued messages one at a time, in arrival order.
func (t *Transport) ioLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case msg := <-t.inbound:
			t.deliver(msg)
		}
	}
}

// deliver runs one handler with panic recovery.
func (t *Transport) deliver(msg inboundMessage) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("MQTT handler panic recovered", "topic", msg.topic, "panic", r)
		}
	}()

	if err := msg.handler(msg.topic, msg.payload); err != nil {
		t.logger.Warn("MQTT handler returned error", "topic", msg.topic, "error", err)
	}
	t.logger.Debug("message handled", "topic", msg.topic, "took", time.Since(start))
}
