// Package logging provides structured logging for udmi-device.
//
// It wraps log/slog with JSON output for production and text output for
// development. Every entry carries service and version attributes.
//
// The minimum level lives in a slog.LevelVar shared by every logger derived
// with With, so the cloud-issued system.min_loglevel retunes the whole
// process at runtime:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.SetUDMILevel(udmi.LevelWarning)
//
// Never log private keys, JWTs, or passwords.
package logging
