package udmi

// Metadata is the site model for one device: its identity and the static
// point model the pointset manager starts from.
type Metadata struct {
	System   SystemMetadata    `json:"system"`
	Pointset *PointsetMetadata `json:"pointset,omitempty"`
	Gateway  *GatewayMetadata  `json:"gateway,omitempty"`
}

// SystemMetadata describes the physical device.
type SystemMetadata struct {
	SerialNo string            `json:"serial_no,omitempty"`
	Hardware *HardwareInfo     `json:"hardware,omitempty"`
	Software map[string]string `json:"software,omitempty"`
}

// PointsetMetadata lists statically modeled points.
type PointsetMetadata struct {
	SampleRateSec int                      `json:"sample_rate_sec,omitempty"`
	Points        map[string]PointMetadata `json:"points"`
}

// PointMetadata models one point.
type PointMetadata struct {
	Units         string   `json:"units,omitempty"`
	Ref           string   `json:"ref,omitempty"`
	Writable      bool     `json:"writable,omitempty"`
	BaselineValue *float64 `json:"baseline_value,omitempty"`
	CovIncrement  *float64 `json:"cov_increment,omitempty"`
	RangeMin      *float64 `json:"range_min,omitempty"`
	RangeMax      *float64 `json:"range_max,omitempty"`
}

// GatewayMetadata lists proxies attached at startup.
type GatewayMetadata struct {
	ProxyIDs []string `json:"proxy_ids,omitempty"`
}
