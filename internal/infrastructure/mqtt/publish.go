package mqtt

import (
	"fmt"
	"time"
)

// maxPayloadSize caps a single publish.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends payload with the transport QoS, not retained.
func (t *Transport) Publish(topic string, payload []byte) error {
	return t.PublishQoS(topic, payload, t.qos, false)
}

// PublishQoS sends payload and waits for the broker acknowledgment. It
// returns early with ErrClosed if the transport is closed mid-flight.
func (t *Transport) PublishQoS(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	client := t.currentClient()
	if client == nil || t.State() != Connected || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-time.After(defaultPublishTimeout):
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	case <-t.ctx.Done():
		return ErrClosed
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
