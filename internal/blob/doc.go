// Package blob fetches, verifies and applies blobs delivered through the
// UDMI blobset config block.
//
// A Pipeline runs one Job at a time per caller:
//
//	fetch → SHA-256 verify → decompress (.zst, .lz4) → materialize → Process → PostProcess → mark generation
//
// Fetchers are looked up by URL scheme in a Registry owned by the caller.
// Built in are http/https (behind a circuit breaker) and data: URLs; S3 and
// MinIO objects are served by S3Fetcher for s3:// URLs.
//
// A blob whose bytes do not hash to the expected digest is never handed to
// Process. A generation already recorded as applied is skipped with
// ErrAlreadyApplied.
package blob
