// Package api implements the local diagnostics HTTP server of udmi-device.
//
// This package provides:
//   - Read-only views of the current state and last received config
//   - The point list, with a commissioning override to set present values
//   - Prometheus metrics at /metrics
//   - A WebSocket stream of every state and event the device publishes
//
// The server is meant for a technician on the local network. It has no
// authentication and should bind to loopback or a commissioning interface.
package api
