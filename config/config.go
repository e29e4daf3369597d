// Package config loads pipeline configuration from YAML files and provides
// default values. Command-line flags always win over file values; the file
// exists so that multi-site runs stay reproducible from a single artifact.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the pipeline configuration shared by the stage commands.
type Config struct {
	// Lesion statistics extraction
	Lesion struct {
		// MaskDir holds the binary lesion masks, one per scan
		MaskDir string `yaml:"maskDir"`

		// QCTable is an MRIQC-style metrics table (csv or tsv)
		QCTable string `yaml:"qcTable"`

		// QCMetric is the header of the metric column used for QC gating
		QCMetric string `yaml:"qcMetric"`

		// QCThreshold fails a scan when its metric crosses the threshold
		QCThreshold float64 `yaml:"qcThreshold"`

		// QCFailBelow fails scans below the threshold when true, above when false
		QCFailBelow bool `yaml:"qcFailBelow"`
	} `yaml:"lesion"`

	// Stratified splitting
	Split struct {
		// Seed drives the shuffle; negative means time-seeded
		Seed int64 `yaml:"seed"`

		// Bins is the number of lesion-burden quantile bins
		Bins int `yaml:"bins"`

		// BinByCount bins on lesion count instead of total volume
		BinByCount bool `yaml:"binByCount"`

		// Folds, when positive, requests a K-fold split instead of ratios
		Folds int `yaml:"folds"`

		// TrainRatio is the train share for a two-way split
		TrainRatio float64 `yaml:"trainRatio"`
	} `yaml:"split"`

	// Experiment assembly
	Assemble struct {
		// BIDSRoot is the directory holding per-site dataset folders
		BIDSRoot string `yaml:"bidsRoot"`

		// LabelsRoot holds the lesion segmentations, named by scan ID
		LabelsRoot string `yaml:"labelsRoot"`

		// SiteTable maps subject IDs to site, domain, and dataset folder
		SiteTable string `yaml:"siteTable"`

		// DatasetName is the Dataset* directory name to create
		DatasetName string `yaml:"datasetName"`

		// FileEnding of placed images, usually .nii.gz
		FileEnding string `yaml:"fileEnding"`

		// SkullStrip runs SynthStrip on each image instead of copying
		SkullStrip bool `yaml:"skullStrip"`

		// KeepBrainMask retains SynthStrip's brain masks next to the images
		KeepBrainMask bool `yaml:"keepBrainMask"`
	} `yaml:"assemble"`

	// Reorientation
	Reorient struct {
		// AffineTolerance is the elementwise tolerance for treating two
		// affines as already aligned
		AffineTolerance float64 `yaml:"affineTolerance"`
	} `yaml:"reorient"`
}

// Default returns a configuration with default values.
func Default() *Config {
	cfg := &Config{}

	cfg.Lesion.QCMetric = "cjv"
	cfg.Lesion.QCFailBelow = false

	cfg.Split.Seed = 12345
	cfg.Split.Bins = 5
	cfg.Split.TrainRatio = 0.8

	cfg.Assemble.FileEnding = ".nii.gz"

	cfg.Reorient.AffineTolerance = 1e-4

	return cfg
}

// Load reads configuration from a YAML file, layered over the defaults.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the directory when
// needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
