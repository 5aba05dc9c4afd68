package auth

import "errors"

var (
	// ErrSigningFailed wraps any failure to produce a JWT.
	ErrSigningFailed = errors.New("auth: signing failed")

	// ErrUnsupportedAuth is returned by NewProvider for unknown auth types.
	ErrUnsupportedAuth = errors.New("auth: unsupported auth type")
)
