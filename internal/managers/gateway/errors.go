package gateway

import "errors"

var (
	// ErrUnknownProxy is returned when a proxy id has not been added.
	ErrUnknownProxy = errors.New("unknown proxy")

	// ErrInvalidProxyID is returned for an empty id or the gateway's own id.
	ErrInvalidProxyID = errors.New("invalid proxy id")
)
