package nnunet

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/carbocation/pfx"
)

// Properties carries the geometry an array needs to become a NIfTI volume
// again. Spacing, origin, and direction are expressed in the ITK (LPS-world)
// convention, matching the sidecar files the preprocessing step emits.
// Direction is the row-major 3x3 direction cosine matrix.
type Properties struct {
	Spacing   [3]float64 `json:"spacing"`
	Origin    [3]float64 `json:"origin"`
	Direction [9]float64 `json:"direction"`
}

// SidecarPath returns the properties path belonging to an array file:
// the same path with the .npy/.npz suffix replaced by .json.
func SidecarPath(arrayPath string) string {
	for _, suffix := range []string{".npz", ".npy"} {
		if strings.HasSuffix(arrayPath, suffix) {
			return strings.TrimSuffix(arrayPath, suffix) + ".json"
		}
	}
	return arrayPath + ".json"
}

// LoadProperties parses a geometry sidecar.
func LoadProperties(path string) (*Properties, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	p := &Properties{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, pfx.Err(err)
	}

	return p, nil
}

// Save writes the geometry sidecar, indented so it remains easy to eyeball
// alongside the arrays.
func (p *Properties) Save(path string) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return pfx.Err(err)
	}

	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
