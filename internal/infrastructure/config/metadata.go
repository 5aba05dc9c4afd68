package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// LoadMetadata reads a site model file. Comments and trailing commas are
// allowed, so operators can annotate point models in place.
func LoadMetadata(path string) (*udmi.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}
	return ParseMetadata(data)
}

// ParseMetadata decodes a JSON-with-comments site model.
func ParseMetadata(data []byte) (*udmi.Metadata, error) {
	var md udmi.Metadata
	if err := json.Unmarshal(jsonc.ToJSON(data), &md); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if md.Pointset != nil {
		for name, p := range md.Pointset.Points {
			if p.RangeMin != nil && p.RangeMax != nil && *p.RangeMin > *p.RangeMax {
				return nil, fmt.Errorf("parsing metadata: point %s: range_min > range_max", name)
			}
		}
	}
	return &md, nil
}
