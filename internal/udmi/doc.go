// Package udmi defines the UDMI documents exchanged between a device and its
// controller: the cloud-issued config, the device-authoritative state, the
// telemetry events, and the endpoint descriptor used to reach the broker.
//
// Only the fields the runtime and its managers act on are typed. Every
// document still round-trips through JSON, and top-level config sub-trees are
// kept as raw JSON (see Document) so a manager decodes only the slice it owns.
//
// Status levels follow the UDMI numeric convention (DEBUG=100 through
// CRITICAL=600) and are shared with the logging package when the controller
// retunes system.min_loglevel.
package udmi
