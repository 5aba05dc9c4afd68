// Package keystore holds the device private key used to sign MQTT JWTs.
//
// FileStore keeps the PEM at a fixed path with mode 0600, written with the
// atomic protocol. Backup copies the key to "<path>.backup", or seals it to
// "<path>.backup.age" with an age X25519 recipient so a backup left on disk
// is useless without the operator's identity. Rotate uses the backup to
// undo a rotation that failed halfway.
package keystore
