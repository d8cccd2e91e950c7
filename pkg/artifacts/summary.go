package artifacts

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SummaryFile is the default name of the run summary
const SummaryFile = "summary.yaml"

// Summary records the outcome of one detection run
type Summary struct {
	RunID string `yaml:"runId"`
	State string `yaml:"state"`
	Error string `yaml:"error,omitempty"`

	ReflectiveCorrelation float64 `yaml:"reflectiveCorrelation"`
	ErrMSP                float64 `yaml:"errMSP"`
	SearchRadiusLR        float64 `yaml:"searchRadiusLR"`

	Correlations  map[string]float64 `yaml:"correlations,omitempty"`
	LowConfidence []string           `yaml:"lowConfidence,omitempty"`
	Warnings      []string           `yaml:"warnings,omitempty"`

	// Landmarks in original and ACPC space, as [x, y, z] in LPS
	OriginalLandmarks map[string][3]float64 `yaml:"originalLandmarks,omitempty"`
	ACPCLandmarks     map[string][3]float64 `yaml:"acpcLandmarks,omitempty"`

	// Transform is the original to ACPC image transform
	Transform *TransformSummary `yaml:"transform,omitempty"`
}

// TransformSummary is a versor rigid transform as plain numbers
type TransformSummary struct {
	// Versor is [x, y, z, w]
	Versor      [4]float64 `yaml:"versor,flow"`
	Translation [3]float64 `yaml:"translation,flow"`
	Center      [3]float64 `yaml:"center,flow"`
}

// WriteSummary writes s as YAML to path
func WriteSummary(path string, s *Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating summary directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error marshaling summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing summary: %w", err)
	}
	return nil
}

// ReadSummary reads a summary written by WriteSummary
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("error parsing summary: %w", err)
	}
	return &s, nil
}
