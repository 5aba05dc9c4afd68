package blob

import "errors"

var (
	// ErrHashMismatch is returned when fetched bytes do not match the
	// expected SHA-256 digest.
	ErrHashMismatch = errors.New("blob: sha256 mismatch")

	// ErrAlreadyApplied is returned when the job's generation has already
	// been applied. Callers treat it as success.
	ErrAlreadyApplied = errors.New("blob: generation already applied")

	// ErrNoFetcher is returned for a URL scheme with no registered fetcher.
	ErrNoFetcher = errors.New("blob: no fetcher for scheme")

	// ErrFetchFailed wraps transport-level fetch failures.
	ErrFetchFailed = errors.New("blob: fetch failed")

	// ErrInvalidJob is returned for a job missing required fields.
	ErrInvalidJob = errors.New("blob: invalid job")

	// ErrInvalidDataURL is returned for a malformed data: URL.
	ErrInvalidDataURL = errors.New("blob: invalid data url")
)
