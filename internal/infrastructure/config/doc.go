// Package config loads the udmi-device process configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with UDMI_* environment variables
//   - Validation of required fields
//   - Loading the JSON-with-comments site metadata (initial point model)
//
// Secrets (MQTT password, InfluxDB token, S3 keys) should be set through the
// environment, not the config file.
//
// Usage:
//
//	cfg, err := config.Load("/etc/udmi-device/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	md, err := config.LoadMetadata(cfg.Device.MetadataPath)
package config
