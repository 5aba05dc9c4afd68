// Package persistence is the device's durable key/value cache: the active,
// backup, and site-default endpoints, the restart counter, and blob
// generation markers.
//
// Three backends implement Backend:
//   - FileBackend keeps every key in one JSON document written atomically
//     and guarded by an advisory file lock. A corrupt document is moved
//     aside to "<path>.corrupt" and the cache starts empty.
//   - MemoryBackend for tests and ephemeral devices.
//   - SQLiteBackend stores rows in a kv_store table.
//
// EndpointStore layers the endpoint override priority (Active > Backup >
// Site default) on top of any Backend.
package persistence
