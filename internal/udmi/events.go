package udmi

import "time"

// PointsetEvent is the telemetry payload published on events/pointset.
type PointsetEvent struct {
	Version   string                `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	Partial   bool                  `json:"partial_update,omitempty"`
	Points    map[string]PointValue `json:"points"`
}

// PointValue carries one sampled present value.
type PointValue struct {
	PresentValue any `json:"present_value"`
}

// SystemEvent is published on events/system with metrics and queued logs.
type SystemEvent struct {
	Version    string         `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
	Metrics    *SystemMetrics `json:"metrics,omitempty"`
	Logentries []Entry        `json:"logentries,omitempty"`
}

// SystemMetrics are host resource readings.
type SystemMetrics struct {
	MemTotalMB   float64 `json:"mem_total_mb,omitempty"`
	MemFreeMB    float64 `json:"mem_free_mb,omitempty"`
	StoreTotalMB float64 `json:"store_total_mb,omitempty"`
	StoreFreeMB  float64 `json:"store_free_mb,omitempty"`
	SystemLoad   float64 `json:"system_load,omitempty"`
}

// DiscoveryEvent reports one discovered entity or enumerated point.
type DiscoveryEvent struct {
	Version    string                      `json:"version"`
	Timestamp  time.Time                   `json:"timestamp"`
	Generation *time.Time                  `json:"generation,omitempty"`
	Family     string                      `json:"family,omitempty"`
	Addr       string                      `json:"addr,omitempty"`
	Points     map[string]PointEnumeration `json:"points,omitempty"`
	Properties map[string]any              `json:"properties,omitempty"`
}

// PointEnumeration describes a point during self-enumeration.
type PointEnumeration struct {
	Units    string   `json:"units,omitempty"`
	Writable bool     `json:"writable,omitempty"`
	RangeMin *float64 `json:"range_min,omitempty"`
	RangeMax *float64 `json:"range_max,omitempty"`
	Ref      string   `json:"ref,omitempty"`
}
