package udmi

import (
	"encoding/json"
	"time"
)

// SystemConfig is the "system" sub-tree of a config document.
type SystemConfig struct {
	MinLogLevel    Level            `json:"min_loglevel,omitempty"`
	MetricsRateSec int              `json:"metrics_rate_sec,omitempty"`
	Operation      *OperationConfig `json:"operation,omitempty"`
}

// Operation modes that request a lifecycle transition.
const (
	ModeActive    = "active"
	ModeRestart   = "restart"
	ModeTerminate = "terminate"
	ModeShutdown  = "shutdown"
)

// OperationConfig carries a requested operational mode.
type OperationConfig struct {
	Mode      string     `json:"mode,omitempty"`
	LastStart *time.Time `json:"last_start,omitempty"`
}

// PointsetConfig is the "pointset" sub-tree of a config document.
type PointsetConfig struct {
	StateETag      string                 `json:"state_etag,omitempty"`
	SetValueExpiry *time.Time             `json:"set_value_expiry,omitempty"`
	SampleRateSec  int                    `json:"sample_rate_sec,omitempty"`
	SampleLimitSec int                    `json:"sample_limit_sec,omitempty"`
	Points         map[string]PointConfig `json:"points,omitempty"`
}

// PointConfig configures a single point. SetValue is raw so any JSON value
// can be written back.
type PointConfig struct {
	Ref          string          `json:"ref,omitempty"`
	Units        string          `json:"units,omitempty"`
	SetValue     json.RawMessage `json:"set_value,omitempty"`
	CovIncrement *float64        `json:"cov_increment,omitempty"`
	RangeMin     *float64        `json:"range_min,omitempty"`
	RangeMax     *float64        `json:"range_max,omitempty"`
}

// GatewayConfig is the "gateway" sub-tree of a config document.
type GatewayConfig struct {
	ProxyIDs []string `json:"proxy_ids,omitempty"`
}

// Blob phases.
const (
	PhaseApply = "apply"
	PhaseFinal = "final"
)

// BlobsetConfig is the "blobset" sub-tree of a config document.
type BlobsetConfig struct {
	Blobs map[string]BlobConfig `json:"blobs,omitempty"`
}

// BlobConfig declares one blob to fetch and apply.
type BlobConfig struct {
	Phase      string `json:"phase"`
	URL        string `json:"url"`
	SHA256     string `json:"sha256"`
	Generation string `json:"generation"`
}

// DiscoveryConfig is the "discovery" sub-tree of a config document.
type DiscoveryConfig struct {
	Enumerate *EnumerateConfig        `json:"enumerate,omitempty"`
	Families  map[string]FamilyConfig `json:"families,omitempty"`
}

// EnumerateConfig requests self-enumeration of the device's points.
type EnumerateConfig struct {
	Generation *time.Time `json:"generation,omitempty"`
}

// FamilyConfig schedules scans for one discovery family.
type FamilyConfig struct {
	Generation      *time.Time `json:"generation,omitempty"`
	ScanIntervalSec int        `json:"scan_interval_sec,omitempty"`
	ScanDurationSec int        `json:"scan_duration_sec,omitempty"`
	Enumerate       bool       `json:"enumerate,omitempty"`
}
