package pointset

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// origin records how a point came to exist.
type origin int

const (
	originStatic  origin = iota // site metadata; never removed
	originConfig                // provisioned by config; removed with it
	originDynamic               // created by SetPointValue
)

// Status categories.
const (
	categoryOutOfRange = "pointset.point.out_of_range"
	categoryWriteback  = "pointset.point.writeback"
	categoryReadOnly   = "pointset.point.read_only"
)

type point struct {
	name   string
	origin origin
	meta   udmi.PointMetadata

	// Effective settings: config overrides over meta.
	units    string
	ref      string
	cov      *float64
	rangeMin *float64
	rangeMax *float64
	writable bool

	value         any
	hasValue      bool
	lastPublished any
	dirty         bool
	seq           uint64

	status     *udmi.Status
	valueState string
	setValue   json.RawMessage
}

func newPoint(name string, o origin, meta udmi.PointMetadata) *point {
	p := &point{name: name, origin: o, meta: meta}
	p.configure(nil)
	if meta.BaselineValue != nil {
		p.lastPublished = *meta.BaselineValue
	}
	return p
}

// configure applies a config entry, or reverts to metadata when cfg is nil.
func (p *point) configure(cfg *udmi.PointConfig) {
	p.units = p.meta.Units
	p.ref = p.meta.Ref
	p.cov = p.meta.CovIncrement
	p.rangeMin = p.meta.RangeMin
	p.rangeMax = p.meta.RangeMax
	p.writable = p.meta.Writable || p.origin != originStatic
	if cfg == nil {
		return
	}
	if cfg.Units != "" {
		p.units = cfg.Units
	}
	if cfg.Ref != "" {
		p.ref = cfg.Ref
	}
	if cfg.CovIncrement != nil {
		p.cov = cfg.CovIncrement
	}
	if cfg.RangeMin != nil {
		p.rangeMin = cfg.RangeMin
	}
	if cfg.RangeMax != nil {
		p.rangeMax = cfg.RangeMax
	}
}

// inRange reports whether f satisfies the configured bounds.
func (p *point) inRange(f float64) bool {
	if p.rangeMin != nil && f < *p.rangeMin {
		return false
	}
	if p.rangeMax != nil && f > *p.rangeMax {
		return false
	}
	return true
}

// shouldPublish applies change-of-value filtering.
func (p *point) shouldPublish() bool {
	if !p.dirty || !p.hasValue {
		return false
	}
	cur, numeric := toFloat(p.value)
	if !numeric || p.cov == nil {
		return true
	}
	last, ok := toFloat(p.lastPublished)
	if !ok {
		last = 0
	}
	return math.Abs(cur-last) >= *p.cov
}

func (p *point) enumeration() udmi.PointEnumeration {
	return udmi.PointEnumeration{
		Units:    p.units,
		Writable: p.writable,
		RangeMin: p.rangeMin,
		RangeMax: p.rangeMax,
		Ref:      p.ref,
	}
}

func sameSetValue(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
