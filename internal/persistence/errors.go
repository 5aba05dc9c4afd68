package persistence

import "errors"

var (
	// ErrNotFound is returned by Load for an absent key, and by
	// RestoreFromBackup when no backup exists.
	ErrNotFound = errors.New("persistence: not found")

	// ErrNoEffectiveEndpoint means none of the endpoint tiers is set.
	ErrNoEffectiveEndpoint = errors.New("persistence: no effective endpoint")
)
