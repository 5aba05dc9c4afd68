package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/udmi-device/internal/auth"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds a single connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds waiting for a publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultQueueSize    = 256

	maxQoS = 2
)

// Options configures a Transport.
type Options struct {
	// Endpoint is the broker to connect to.
	Endpoint udmi.EndpointConfiguration

	// Credentials supplies username and password on every attempt. Nil
	// means anonymous.
	Credentials auth.CredentialProvider

	// ProviderFactory builds credentials for a redirected endpoint. When
	// nil, Reconnect keeps the current provider.
	ProviderFactory func(udmi.EndpointConfiguration) (auth.CredentialProvider, error)

	// CAFile verifies the broker certificate; empty uses system roots.
	CAFile string

	// CertHolder supplies the mTLS client certificate. It is used only when
	// the endpoint has no auth descriptor and its port implies TLS.
	CertHolder *auth.CertHolder

	// QoS for subscriptions and publishes. Defaults to 1.
	QoS *byte

	// InitialDelay and MaxDelay bound the connect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// QueueSize is the inbound message queue depth.
	QueueSize int

	Logger Logger

	// NewClient creates the paho client; tests replace it with a fake.
	NewClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

func (o *Options) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = defaultMaxDelay
		if o.MaxDelay < o.InitialDelay {
			o.MaxDelay = o.InitialDelay
		}
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.QoS == nil {
		q := byte(1)
		o.QoS = &q
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.NewClient == nil {
		o.NewClient = pahomqtt.NewClient
	}
}

// brokerURL returns ssl:// when the port implies TLS, tcp:// otherwise.
func brokerURL(ep udmi.EndpointConfiguration) string {
	scheme := "tcp"
	if ep.SecurePort() {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ep.Hostname, ep.PortOrDefault())
}

// buildClientOptions creates the paho options for one connection attempt.
// Reconnection is driven by the transport itself so that credentials are
// fetched again before every attempt.
func buildClientOptions(ep udmi.EndpointConfiguration, tlsCfg *tls.Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(ep))
	opts.SetClientID(ep.ClientID)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts
}

// tlsFor resolves the TLS material for an endpoint. Plain TCP ports get no
// TLS config at all.
func tlsFor(ep udmi.EndpointConfiguration, caFile string, holder *auth.CertHolder) (*tls.Config, error) {
	if !ep.SecurePort() {
		return nil, nil
	}
	var clientCert *auth.CertHolder
	if ep.Auth == nil {
		clientCert = holder
	}
	return auth.TLSConfig(caFile, clientCert)
}
