// Package fsutil holds the crash-safe file primitives shared by the key
// store, the persistence backend, and the blob pipeline.
//
// WriteFileAtomic writes to a sibling temporary file, syncs it, sets the
// final mode, renames it over the target, and syncs the parent directory.
// A reader, or a process restarted after a crash at any point, sees either
// the old content or the new content, never a truncated file.
//
// Lock takes an advisory flock on a sidecar file so two processes sharing a
// persistence file serialize their read-modify-write cycles.
package fsutil
