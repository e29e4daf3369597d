// Package experiment materializes training-ready dataset folders in the
// layout the downstream segmentation trainer consumes: a Dataset* directory
// with imagesTr/imagesTs/labelsTr/labelsTs, canonical file names, a
// dataset.json descriptor, and per-partition manifest CSVs.
package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/carbocation/pfx"
)

// Dataset subfolder names, fixed by the trainer.
const (
	ImagesTr = "imagesTr"
	ImagesTs = "imagesTs"
	LabelsTr = "labelsTr"
	LabelsTs = "labelsTs"
)

// DatasetPrefix is the mandatory prefix of a dataset directory name, e.g.
// Dataset012_CorticalLesions.
const DatasetPrefix = "Dataset"

// Descriptor is the dataset.json contents. ChannelNames is keyed by channel
// index as a decimal string ("0", "1", ...) and Labels maps label name to
// integer value, both exactly as the trainer reads them.
type Descriptor struct {
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	ChannelNames map[string]string `json:"channel_names"`
	Labels       map[string]int    `json:"labels"`
	NumTraining  int               `json:"numTraining"`
	FileEnding   string            `json:"file_ending"`
}

// NumChannels is the number of image channels per case.
func (d *Descriptor) NumChannels() int {
	return len(d.ChannelNames)
}

// Validate checks the fields the trainer refuses to proceed without.
func (d *Descriptor) Validate() error {
	if len(d.ChannelNames) == 0 {
		return fmt.Errorf("experiment: descriptor has no channel names")
	}
	if len(d.Labels) == 0 {
		return fmt.Errorf("experiment: descriptor has no labels")
	}
	if bg, exists := d.Labels["background"]; !exists || bg != 0 {
		return fmt.Errorf("experiment: descriptor labels must map background to 0")
	}
	if d.FileEnding == "" {
		return fmt.Errorf("experiment: descriptor has no file ending")
	}
	return nil
}

// Save writes the descriptor as dataset.json at path.
func (d *Descriptor) Save(path string) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return pfx.Err(err)
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// LoadDescriptor parses a dataset.json file.
func LoadDescriptor(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	d := &Descriptor{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("experiment: parsing %s: %w", path, err)
	}
	return d, nil
}

// ValidateDatasetName enforces the Dataset* naming convention on the
// directory that will hold the assembled experiment.
func ValidateDatasetName(name string) error {
	if !strings.HasPrefix(name, DatasetPrefix) || len(name) == len(DatasetPrefix) {
		return fmt.Errorf("experiment: dataset name %q must start with %q followed by an identifier", name, DatasetPrefix)
	}
	return nil
}
