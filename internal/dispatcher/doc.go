// Package dispatcher sits between the MQTT transport and the device runtime.
//
// Outbound, it serializes UDMI documents and publishes them on the device's
// topics (or a proxy device's topics). Inbound, it parses payloads into
// udmi.Document values and routes them by channel to registered handlers.
//
// Routing rules:
//   - "config" goes to every handler registered for "config".
//   - "commands/<name>" goes to handlers for "commands/<name>" and then to
//     handlers for "commands".
//   - Each handler gets its own copy of the document and runs under its own
//     recover; one failing handler does not stop the rest.
//   - Malformed JSON and channels nobody handles are logged and dropped.
package dispatcher
