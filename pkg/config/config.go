// Package config provides configuration loading and management for acpcdetect.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"acpcdetect/pkg/msp"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Landmark search parameters
	Search struct {
		// InitialRadiusLR is the left-right half-extent of the RP search box
		// in mm, used before the MSP error is known
		InitialRadiusLR float64 `yaml:"initialRadiusLR"`

		// RPAPScale and RPSIScale scale the RP template radius into the
		// anterior-posterior and superior-inferior half-extents
		RPAPScale float64 `yaml:"rpAPScale"`
		RPSIScale float64 `yaml:"rpSIScale"`

		// VN4Scale, ACScale and PCScale scale the template radius of the
		// derived base landmarks
		VN4Scale float64 `yaml:"vn4Scale"`
		ACScale  float64 `yaml:"acScale"`
		PCScale  float64 `yaml:"pcScale"`

		// MaxBaseTemplateRadius caps the box growth of RP, AC, PC and VN4
		MaxBaseTemplateRadius float64 `yaml:"maxBaseTemplateRadius"`

		// Workers bounds the template rotations correlated concurrently
		Workers int `yaml:"workers"`
	} `yaml:"search"`

	// Mid-sagittal plane estimation parameters
	MSP struct {
		// WarnThreshold: a reflective correlation above it prints a warning
		WarnThreshold float64 `yaml:"warnThreshold"`

		// FailThreshold: a reflective correlation above it aborts the run
		FailThreshold float64 `yaml:"failThreshold"`

		MaxAngleDeg      float64 `yaml:"maxAngleDeg"`
		AngleStepDeg     float64 `yaml:"angleStepDeg"`
		MaxOffset        float64 `yaml:"maxOffset"`
		OffsetStep       float64 `yaml:"offsetStep"`
		SampleStride     int     `yaml:"sampleStride"`
		IsotropicSpacing float64 `yaml:"isotropicSpacing"`
	} `yaml:"msp"`

	// Eye centre handling
	Eyes struct {
		// AbortOnFailure stops the run when eye detection failed
		AbortOnFailure bool `yaml:"abortOnFailure"`
	} `yaml:"eyes"`

	// Optional atlas used to refine the ACPC transform
	Atlas struct {
		Volume    string `yaml:"volume"`
		Landmarks string `yaml:"landmarks"`
		Weights   string `yaml:"weights"`
	} `yaml:"atlas"`

	// Output parameters
	Output struct {
		// ResultsDir receives debug artifacts and the run summary
		ResultsDir string `yaml:"resultsDir"`

		// DebugLevel selects which intermediate artifacts are written
		DebugLevel int `yaml:"debugLevel"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Search.InitialRadiusLR = 4
	cfg.Search.RPAPScale = 3
	cfg.Search.RPSIScale = 5
	cfg.Search.VN4Scale = 1.6
	cfg.Search.ACScale = 1.6
	cfg.Search.PCScale = 4
	cfg.Search.MaxBaseTemplateRadius = 5
	cfg.Search.Workers = runtime.NumCPU() // Use all available cores by default

	mp := msp.DefaultParams()
	cfg.MSP.WarnThreshold = -0.64
	cfg.MSP.FailThreshold = -0.40
	cfg.MSP.MaxAngleDeg = mp.MaxAngleDeg
	cfg.MSP.AngleStepDeg = mp.AngleStepDeg
	cfg.MSP.MaxOffset = mp.MaxOffset
	cfg.MSP.OffsetStep = mp.OffsetStep
	cfg.MSP.SampleStride = mp.SampleStride
	cfg.MSP.IsotropicSpacing = mp.IsotropicSpacing

	cfg.Eyes.AbortOnFailure = false

	cfg.Output.ResultsDir = "."
	cfg.Output.DebugLevel = 0
	cfg.Output.Verbose = false

	return cfg
}

// MSPParams returns the plane search parameters held by the configuration
func (c *Config) MSPParams() msp.Params {
	p := msp.DefaultParams()
	p.MaxAngleDeg = c.MSP.MaxAngleDeg
	p.AngleStepDeg = c.MSP.AngleStepDeg
	p.MaxOffset = c.MSP.MaxOffset
	p.OffsetStep = c.MSP.OffsetStep
	p.SampleStride = c.MSP.SampleStride
	p.IsotropicSpacing = c.MSP.IsotropicSpacing
	p.Workers = c.Search.Workers
	p.Verbose = c.Output.Verbose
	return p
}

// Validate checks values that would make the pipeline misbehave
func (c *Config) Validate() error {
	if c.Search.InitialRadiusLR <= 0 {
		return fmt.Errorf("search.initialRadiusLR must be positive, got %v", c.Search.InitialRadiusLR)
	}
	if c.MSP.WarnThreshold > c.MSP.FailThreshold {
		return fmt.Errorf("msp.warnThreshold (%v) must not exceed msp.failThreshold (%v)",
			c.MSP.WarnThreshold, c.MSP.FailThreshold)
	}
	if c.MSP.IsotropicSpacing <= 0 {
		return fmt.Errorf("msp.isotropicSpacing must be positive, got %v", c.MSP.IsotropicSpacing)
	}
	if c.MSP.SampleStride < 1 {
		return fmt.Errorf("msp.sampleStride must be at least 1, got %d", c.MSP.SampleStride)
	}
	if (c.Atlas.Volume == "") != (c.Atlas.Landmarks == "") {
		return fmt.Errorf("atlas.volume and atlas.landmarks must be given together")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
