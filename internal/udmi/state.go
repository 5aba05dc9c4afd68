package udmi

import (
	"encoding/json"
	"time"
)

// State is the device-authoritative status document. The runtime is its only
// writer; managers contribute their sub-tree under their key via Contributions.
type State struct {
	Version       string                     `json:"version"`
	Timestamp     time.Time                  `json:"timestamp"`
	System        *SystemState               `json:"system,omitempty"`
	Contributions map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens contributions next to the fixed fields.
func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Contributions)+3)
	for k, v := range s.Contributions {
		out[k] = v
	}
	out[KeyVersion] = s.Version
	out[KeyTimestamp] = s.Timestamp
	if s.System != nil {
		out[KeySystem] = s.System
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*s = State{}
	if err := doc.Decode(KeyVersion, &s.Version); err != nil {
		return err
	}
	if err := doc.Decode(KeyTimestamp, &s.Timestamp); err != nil {
		return err
	}
	if doc.Has(KeySystem) {
		s.System = &SystemState{}
		if err := doc.Decode(KeySystem, s.System); err != nil {
			return err
		}
	}
	for k, v := range doc {
		switch k {
		case KeyVersion, KeyTimestamp, KeySystem:
			continue
		}
		if s.Contributions == nil {
			s.Contributions = make(map[string]json.RawMessage)
		}
		s.Contributions[k] = v
	}
	return nil
}

// SystemState is the "system" block of a state document.
type SystemState struct {
	SerialNo   string            `json:"serial_no,omitempty"`
	Hardware   *HardwareInfo     `json:"hardware,omitempty"`
	Software   map[string]string `json:"software,omitempty"`
	LastConfig time.Time         `json:"last_config"`
	Operation  OperationState    `json:"operation"`
	Status     *Status           `json:"status,omitempty"`
}

// HardwareInfo identifies the device hardware.
type HardwareInfo struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Rev   string `json:"rev,omitempty"`
}

// OperationState reports the device's operational status.
type OperationState struct {
	Operational  bool       `json:"operational"`
	LastStart    time.Time  `json:"last_start"`
	RestartCount int        `json:"restart_count,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	LastShutdown *time.Time `json:"last_shutdown,omitempty"`
}

// Value states reported for writeback.
const (
	ValueStateApplied  = "applied"
	ValueStateUpdating = "updating"
	ValueStateOverride = "overridden"
	ValueStateInvalid  = "invalid"
	ValueStateFailure  = "failure"
)

// PointsetState is the "pointset" block of a state document.
type PointsetState struct {
	StateETag string                `json:"state_etag,omitempty"`
	Status    *Status               `json:"status,omitempty"`
	Points    map[string]PointState `json:"points"`
}

// PointState reports per-point status and writeback outcome.
type PointState struct {
	Units      string  `json:"units,omitempty"`
	ValueState string  `json:"value_state,omitempty"`
	Status     *Status `json:"status,omitempty"`
}

// GatewayState is the "gateway" block of a state document.
type GatewayState struct {
	Status  *Status                    `json:"status,omitempty"`
	Proxies map[string]ProxyStateEntry `json:"proxies,omitempty"`
}

// ProxyStateEntry reports one proxy device.
type ProxyStateEntry struct {
	Attached bool    `json:"attached"`
	Status   *Status `json:"status,omitempty"`
}

// BlobsetState is the "blobset" block of a state document.
type BlobsetState struct {
	Blobs map[string]BlobState `json:"blobs"`
}

// BlobState reports progress of a blob job.
type BlobState struct {
	Phase      string  `json:"phase"`
	Generation string  `json:"generation"`
	Status     *Status `json:"status,omitempty"`
}

// Discovery phases.
const (
	DiscoveryPending = "pending"
	DiscoveryActive  = "active"
	DiscoveryStopped = "stopped"
	DiscoveryDone    = "done"
)

// DiscoveryState is the "discovery" block of a state document.
type DiscoveryState struct {
	Enumeration *FamilyState           `json:"enumeration,omitempty"`
	Families    map[string]FamilyState `json:"families,omitempty"`
}

// FamilyState reports progress of one discovery family.
type FamilyState struct {
	Generation  *time.Time `json:"generation,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	RecordCount int        `json:"record_count"`
	Status      *Status    `json:"status,omitempty"`
}
