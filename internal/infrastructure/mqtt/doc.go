// Package mqtt is the UDMI device transport: one MQTT session to the
// broker named by the effective endpoint.
//
// The transport drives its own reconnect loop instead of paho's, because
// every attempt must fetch credentials again (a JWT password expires).
// Connect returns immediately; OnConnect fires once the session is up and
// subscriptions have been re-issued. A lost session moves the state to
// Reconnecting and the loop retries with exponential backoff.
//
// Inbound messages are queued by paho's router and delivered by a single
// I/O goroutine started with Run, so handlers see messages in arrival order
// and never run concurrently with each other.
//
// TLS: ports 8883 and 443 use ssl://. When the endpoint carries no auth
// descriptor, the client certificate from the CertHolder is offered (mTLS).
//
// Close cancels both loops, waits for them, and disconnects.
package mqtt
