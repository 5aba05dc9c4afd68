package pointset

import "errors"

var (
	// ErrValueOutOfRange is returned when a numeric value falls outside the
	// point's configured range. The last good value is kept.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrInvalidPointName is returned for an empty point name.
	ErrInvalidPointName = errors.New("invalid point name")
)
