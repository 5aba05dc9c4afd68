package keystore

import "errors"

var (
	// ErrNotFound is returned when the key or its backup does not exist.
	ErrNotFound = errors.New("keystore: not found")

	// ErrNoIdentity means a sealed backup exists but no age identity was
	// configured to open it.
	ErrNoIdentity = errors.New("keystore: no identity for sealed backup")

	// ErrUnsupportedAlgorithm is returned for algorithms other than RS256 and ES256.
	ErrUnsupportedAlgorithm = errors.New("keystore: unsupported algorithm")

	// ErrInvalidKey means the stored bytes are not a usable private key.
	ErrInvalidKey = errors.New("keystore: invalid private key")
)
