package blobset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/udmi-device/internal/blob"
	"github.com/nerrad567/udmi-device/internal/persistence"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// KeyEndpointConfig is the blob key carrying a replacement endpoint.
const KeyEndpointConfig = "_iot_endpoint_config"

// Reconnector switches the transport to a new endpoint.
type Reconnector interface {
	Reconnect(ep udmi.EndpointConfiguration) error
}

// EndpointProcessor applies an endpoint redirect. Process validates the
// endpoint and promotes it to active, keeping the previous one as backup;
// PostProcess reconnects the transport.
type EndpointProcessor struct {
	Store     *persistence.EndpointStore
	Transport Reconnector
}

var _ blob.PostProcessor = (*EndpointProcessor)(nil)

func parseEndpoint(b *blob.Blob) (udmi.EndpointConfiguration, error) {
	var ep udmi.EndpointConfiguration
	data, err := b.Bytes()
	if err != nil {
		return ep, err
	}
	if err := json.Unmarshal(data, &ep); err != nil {
		return ep, fmt.Errorf("decoding endpoint: %w", err)
	}
	if err := ep.Validate(); err != nil {
		return ep, err
	}
	return ep, nil
}

func (p *EndpointProcessor) Process(_ context.Context, b *blob.Blob) error {
	ep, err := parseEndpoint(b)
	if err != nil {
		return err
	}
	return p.Store.Promote(ep)
}

func (p *EndpointProcessor) PostProcess(_ context.Context, b *blob.Blob) error {
	if p.Transport == nil {
		return nil
	}
	ep, err := parseEndpoint(b)
	if err != nil {
		return err
	}
	return p.Transport.Reconnect(ep)
}
