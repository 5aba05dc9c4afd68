// Package device is the UDMI device runtime.
//
// A Runtime owns the device's State document and drives a set of Managers
// (system, pointset, gateway, blobset, discovery). It reconciles each config
// document against the managers, merges their contributions into one State
// and publishes it whenever the content changes.
//
// # Lifecycle
//
//	Created → Connecting → AwaitingFirstConfig → SteadyState → ShuttingDown
//
// Start moves to Connecting. The first transport connect publishes an
// initial State and waits for config. The first config applied moves to
// SteadyState. Stop, or a lifecycle command, moves to ShuttingDown.
//
// # Failure isolation
//
// A manager whose ApplyConfig fails or panics gets an ERROR status under its
// own name in system.status; the remaining managers still run and the
// runtime keeps going.
//
// # State publishing
//
// Managers call Host.MarkDirty when their contribution changes. A single
// publisher goroutine coalesces those signals and runs the locked
// build-compare-publish sequence. A State identical to the last one
// published (ignoring its timestamp) is not sent again.
package device
