package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when historian.enabled is false.
	ErrDisabled = errors.New("historian: disabled")

	// ErrConnectionFailed wraps the ping failure from Connect.
	ErrConnectionFailed = errors.New("historian: cannot reach influxdb")

	// ErrNotConnected is returned after Close or on a nil client.
	ErrNotConnected = errors.New("historian: not connected")
)
