package udmi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultTopicPrefix is used when an endpoint does not name one.
const DefaultTopicPrefix = "/devices/"

// Endpoint auth types.
const (
	AuthNone  = ""
	AuthBasic = "basic"
	AuthJWT   = "jwt"
)

// ErrInvalidEndpoint is returned by EndpointConfiguration.Validate.
var ErrInvalidEndpoint = errors.New("udmi: invalid endpoint")

// EndpointAuth describes how the device authenticates to the broker.
// A nil *EndpointAuth on an endpoint means no auth descriptor; the transport
// then falls back to mTLS when the port implies TLS.
type EndpointAuth struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Audience string `json:"audience,omitempty"`
}

// EndpointConfiguration is the transport target. Treat it as immutable once a
// connection attempt has started; a new value triggers a reconnect.
type EndpointConfiguration struct {
	Protocol    string        `json:"protocol,omitempty"`
	Hostname    string        `json:"hostname"`
	Port        int           `json:"port,omitempty"`
	ClientID    string        `json:"client_id"`
	TopicPrefix string        `json:"topic_prefix,omitempty"`
	Auth        *EndpointAuth `json:"auth_provider,omitempty"`
}

// Validate checks the fields required before a connect attempt.
func (e EndpointConfiguration) Validate() error {
	var errs []error
	if e.Hostname == "" {
		errs = append(errs, errors.New("hostname is required"))
	}
	if e.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if e.Port < 0 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", e.Port))
	}
	if e.Auth != nil {
		switch e.Auth.Type {
		case AuthBasic, AuthJWT:
		default:
			errs = append(errs, fmt.Errorf("unknown auth type %q", e.Auth.Type))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEndpoint, errors.Join(errs...))
	}
	return nil
}

// Prefix returns the topic prefix, defaulting to DefaultTopicPrefix.
func (e EndpointConfiguration) Prefix() string {
	if e.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return e.TopicPrefix
}

// PortOrDefault returns the configured port, or 8883 when unset.
func (e EndpointConfiguration) PortOrDefault() int {
	if e.Port == 0 {
		return 8883
	}
	return e.Port
}

// SecurePort reports whether the port implies a TLS channel.
func (e EndpointConfiguration) SecurePort() bool {
	p := e.PortOrDefault()
	return p == 8883 || p == 443
}

// Equal reports whether two endpoints address the same broker session.
func (e EndpointConfiguration) Equal(o EndpointConfiguration) bool {
	a, _ := json.Marshal(e)
	b, _ := json.Marshal(o)
	return string(a) == string(b)
}

// MarshalString encodes the endpoint as JSON for persistence.
func (e EndpointConfiguration) MarshalString() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseEndpoint decodes an endpoint from its JSON form.
func ParseEndpoint(data []byte) (EndpointConfiguration, error) {
	var e EndpointConfiguration
	if err := json.Unmarshal(data, &e); err != nil {
		return EndpointConfiguration{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	return e, nil
}
