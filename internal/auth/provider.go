package auth

import (
	"fmt"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// CredentialProvider supplies transport credentials.
type CredentialProvider interface {
	// Username returns the MQTT username.
	Username() string

	// Password returns the MQTT password. For JWT it is the current token,
	// regenerated synchronously when it is absent or about to expire.
	Password() (string, error)

	// NeedsRefresh reports whether the credential should be regenerated
	// before the next connection attempt.
	NeedsRefresh() bool

	// Refresh regenerates the credential now.
	Refresh() error

	// SkipAuth reports that no credentials should be sent at all.
	SkipAuth() bool
}

// Logger is the logging interface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoAuthProvider sends no credentials.
type NoAuthProvider struct{}

// Username returns "".
func (NoAuthProvider) Username() string { return "" }

// Password returns "".
func (NoAuthProvider) Password() (string, error) { return "", nil }

// NeedsRefresh is always false.
func (NoAuthProvider) NeedsRefresh() bool { return false }

// Refresh does nothing.
func (NoAuthProvider) Refresh() error { return nil }

// SkipAuth is always true.
func (NoAuthProvider) SkipAuth() bool { return true }

// BasicAuthProvider presents a static username and password.
type BasicAuthProvider struct {
	username string
	password string
}

// NewBasicAuthProvider returns a static provider.
func NewBasicAuthProvider(username, password string) *BasicAuthProvider {
	return &BasicAuthProvider{username: username, password: password}
}

// Username returns the configured username.
func (b *BasicAuthProvider) Username() string { return b.username }

// Password returns the configured password.
func (b *BasicAuthProvider) Password() (string, error) { return b.password, nil }

// NeedsRefresh is always false.
func (b *BasicAuthProvider) NeedsRefresh() bool { return false }

// Refresh does nothing.
func (b *BasicAuthProvider) Refresh() error { return nil }

// SkipAuth is always false.
func (b *BasicAuthProvider) SkipAuth() bool { return false }

// NewProvider builds the provider for an endpoint's auth descriptor. The
// signer is only consulted for JWT auth and may be nil otherwise.
func NewProvider(endpoint udmi.EndpointConfiguration, signer Signer, logger Logger) (CredentialProvider, error) {
	if endpoint.Auth == nil {
		return NoAuthProvider{}, nil
	}
	switch endpoint.Auth.Type {
	case udmi.AuthBasic:
		return NewBasicAuthProvider(endpoint.Auth.Username, endpoint.Auth.Password), nil
	case udmi.AuthJWT:
		if signer == nil {
			return nil, fmt.Errorf("%w: jwt auth needs a signing key", ErrUnsupportedAuth)
		}
		audience := endpoint.Auth.Audience
		return NewJWTAuthProvider(signer, audience, WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAuth, endpoint.Auth.Type)
	}
}
