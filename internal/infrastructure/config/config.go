package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Config is the root configuration of a udmi-device process.
// It is loaded from YAML and can be overridden by UDMI_* environment variables.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Endpoint    EndpointConfig    `yaml:"endpoint"`
	Keys        KeysConfig        `yaml:"keys"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Pointset    PointsetConfig    `yaml:"pointset"`
	System      SystemConfig      `yaml:"system"`
	Blob        BlobConfig        `yaml:"blob"`
	Historian   InfluxDBConfig    `yaml:"historian"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	ID           string `yaml:"id"`
	SerialNo     string `yaml:"serial_no"`
	Make         string `yaml:"make"`
	Model        string `yaml:"model"`
	Firmware     string `yaml:"firmware"`
	MetadataPath string `yaml:"metadata_path"`
}

// EndpointConfig is the site-default broker endpoint.
type EndpointConfig struct {
	Protocol          string             `yaml:"protocol"`
	Hostname          string             `yaml:"hostname"`
	Port              int                `yaml:"port"`
	ClientID          string             `yaml:"client_id"`
	TopicPrefix       string             `yaml:"topic_prefix"`
	Auth              EndpointAuthConfig `yaml:"auth"`
	TLS               TLSConfig          `yaml:"tls"`
	Reconnect         ReconnectConfig    `yaml:"reconnect"`
	QoS               int                `yaml:"qos"`
	AuthCheckInterval int                `yaml:"auth_check_interval"`
}

// EndpointAuthConfig selects the credential provider.
type EndpointAuthConfig struct {
	Type     string `yaml:"type"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Audience string `yaml:"audience"`
}

// TLSConfig holds CA and client certificate paths.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ReconnectConfig bounds the connect backoff, in seconds.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// KeysConfig locates the device private key.
type KeysConfig struct {
	PrivateKeyPath     string `yaml:"private_key_path"`
	Algorithm          string `yaml:"algorithm"`
	BackupRecipient    string `yaml:"backup_recipient"`
	BackupIdentityPath string `yaml:"backup_identity_path"`
}

// PersistenceConfig selects the key/value backend.
type PersistenceConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PointsetConfig holds pointset defaults.
type PointsetConfig struct {
	SampleRateSec int `yaml:"sample_rate_sec"`
}

// SystemConfig holds system manager defaults.
type SystemConfig struct {
	MetricsRateSec int    `yaml:"metrics_rate_sec"`
	StoragePath    string `yaml:"storage_path"`
}

// BlobConfig configures the blob pipeline.
type BlobConfig struct {
	WorkDir            string   `yaml:"work_dir"`
	LargeBlobThreshold int64    `yaml:"large_blob_threshold"`
	HTTPTimeout        int      `yaml:"http_timeout"`
	S3                 S3Config `yaml:"s3"`
}

// S3Config enables the s3:// fetcher.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// InfluxDBConfig contains InfluxDB historian settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DiagnosticsConfig controls the local HTTP diagnostics API.
type DiagnosticsConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from path, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Port:        8883,
			TopicPrefix: udmi.DefaultTopicPrefix,
			QoS:         1,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			AuthCheckInterval: 60,
		},
		Keys: KeysConfig{
			PrivateKeyPath: "./data/rsa_private.pem",
			Algorithm:      "RS256",
		},
		Persistence: PersistenceConfig{
			Backend:     "file",
			Path:        "./data/persistence.json",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Pointset: PointsetConfig{
			SampleRateSec: 10,
		},
		System: SystemConfig{
			MetricsRateSec: 600,
			StoragePath:    "/",
		},
		Blob: BlobConfig{
			WorkDir:            os.TempDir(),
			LargeBlobThreshold: 1 << 20,
			HTTPTimeout:        60,
		},
		Historian: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Diagnostics: DiagnosticsConfig{
			Host: "127.0.0.1",
			Port: 8181,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Secrets belong here rather than in the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UDMI_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	if v := os.Getenv("UDMI_ENDPOINT_HOST"); v != "" {
		cfg.Endpoint.Hostname = v
	}
	if v := os.Getenv("UDMI_ENDPOINT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Endpoint.Port = port
		}
	}
	if v := os.Getenv("UDMI_MQTT_USERNAME"); v != "" {
		cfg.Endpoint.Auth.Username = v
	}
	if v := os.Getenv("UDMI_MQTT_PASSWORD"); v != "" {
		cfg.Endpoint.Auth.Password = v
	}

	if v := os.Getenv("UDMI_PRIVATE_KEY"); v != "" {
		cfg.Keys.PrivateKeyPath = v
	}

	if v := os.Getenv("UDMI_INFLUXDB_TOKEN"); v != "" {
		cfg.Historian.Token = v
	}

	if v := os.Getenv("UDMI_S3_ACCESS_KEY"); v != "" {
		cfg.Blob.S3.AccessKey = v
	}
	if v := os.Getenv("UDMI_S3_SECRET_KEY"); v != "" {
		cfg.Blob.S3.SecretKey = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required (or set UDMI_DEVICE_ID)")
	}

	if c.Endpoint.Hostname == "" {
		errs = append(errs, "endpoint.hostname is required")
	}
	if c.Endpoint.ClientID == "" {
		errs = append(errs, "endpoint.client_id is required")
	}
	if c.Endpoint.Port < 1 || c.Endpoint.Port > 65535 {
		errs = append(errs, "endpoint.port must be between 1 and 65535")
	}
	if c.Endpoint.QoS < 0 || c.Endpoint.QoS > 2 {
		errs = append(errs, "endpoint.qos must be 0, 1, or 2")
	}
	switch c.Endpoint.Auth.Type {
	case "", "none", udmi.AuthBasic, udmi.AuthJWT:
	default:
		errs = append(errs, fmt.Sprintf("endpoint.auth.type %q must be none, basic, or jwt", c.Endpoint.Auth.Type))
	}

	switch c.Keys.Algorithm {
	case "RS256", "ES256":
	default:
		errs = append(errs, fmt.Sprintf("keys.algorithm %q must be RS256 or ES256", c.Keys.Algorithm))
	}

	switch c.Persistence.Backend {
	case "file", "sqlite":
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for the "+c.Persistence.Backend+" backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend %q must be file, memory, or sqlite", c.Persistence.Backend))
	}

	if c.Pointset.SampleRateSec <= 0 {
		errs = append(errs, "pointset.sample_rate_sec must be positive")
	}
	if c.System.MetricsRateSec < 0 {
		errs = append(errs, "system.metrics_rate_sec must not be negative")
	}

	if c.Historian.Enabled && (c.Historian.URL == "" || c.Historian.Bucket == "") {
		errs = append(errs, "historian.url and historian.bucket are required when enabled")
	}

	if c.Diagnostics.Enabled && (c.Diagnostics.Port < 1 || c.Diagnostics.Port > 65535) {
		errs = append(errs, "diagnostics.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SiteEndpoint converts the endpoint section into the site-default
// endpoint configuration.
func (c *Config) SiteEndpoint() udmi.EndpointConfiguration {
	e := udmi.EndpointConfiguration{
		Protocol:    c.Endpoint.Protocol,
		Hostname:    c.Endpoint.Hostname,
		Port:        c.Endpoint.Port,
		ClientID:    c.Endpoint.ClientID,
		TopicPrefix: c.Endpoint.TopicPrefix,
	}
	switch c.Endpoint.Auth.Type {
	case udmi.AuthBasic:
		e.Auth = &udmi.EndpointAuth{
			Type:     udmi.AuthBasic,
			Username: c.Endpoint.Auth.Username,
			Password: c.Endpoint.Auth.Password,
		}
	case udmi.AuthJWT:
		e.Auth = &udmi.EndpointAuth{
			Type:     udmi.AuthJWT,
			Audience: c.Endpoint.Auth.Audience,
		}
	}
	return e
}

// GetReadTimeout returns the diagnostics API read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Diagnostics.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the diagnostics API write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Diagnostics.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the diagnostics API idle timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Diagnostics.Timeouts.Idle) * time.Second
}
