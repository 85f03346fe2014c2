// Package config provides configuration loading and management for svrrecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for unusable parameter values.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Iterations is the number of outer registration/reconstruction rounds
		Iterations int `yaml:"iterations"`

		// Resolution is the isotropic voxel size of the reconstruction in mm.
		// Zero or negative selects the smallest voxel size of the template stack.
		Resolution float64 `yaml:"resolution"`

		// Levels is the number of smoothing levels of the regularisation schedule
		Levels int `yaml:"levels"`

		// AverageValue is the mean ROI intensity the stacks are rescaled to
		AverageValue float64 `yaml:"averageValue"`

		// SmoothMask is the Gaussian sigma in mm applied to the mask before binarisation
		SmoothMask float64 `yaml:"smoothMask"`

		// BiasSigma is the Gaussian sigma in mm used to smooth bias fields
		BiasSigma float64 `yaml:"biasSigma"`
	} `yaml:"processing"`

	// Edge-preserving regularisation parameters
	Regularization struct {
		// Delta is the intensity difference treated as an edge
		Delta float64 `yaml:"delta"`

		// Lambda is the smoothing strength for all but the last iteration
		Lambda float64 `yaml:"lambda"`

		// LastIterLambda is the smoothing strength of the final iteration
		LastIterLambda float64 `yaml:"lastIterLambda"`
	} `yaml:"regularization"`

	// Robust statistics parameters
	Robust struct {
		// Step is the integration step that scales the voxel likelihoods
		Step float64 `yaml:"step"`

		// ReconIterations is the number of inner rounds per outer iteration
		ReconIterations int `yaml:"reconIterations"`

		// FinalReconIterations is the number of inner rounds of the last outer iteration
		FinalReconIterations int `yaml:"finalReconIterations"`
	} `yaml:"robust"`

	// Output parameters
	Output struct {
		// Dir is where slices, transformations and debug images are written
		Dir string `yaml:"dir"`

		// SaveIntermediaryResults writes debug images after every stage
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// PreviewDir, when set, receives PNG previews of the reconstruction
		PreviewDir string `yaml:"previewDir"`

		// PreviewAxis, when set to x, y or z, also writes every plane of the
		// final volume along that axis as a JPEG sequence
		PreviewAxis string `yaml:"previewAxis"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"maxSize"`
		MaxAge     int    `yaml:"maxAge"`
		MaxBackups int    `yaml:"maxBackups"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Iterations = 9
	cfg.Processing.Resolution = 0.75
	cfg.Processing.Levels = 3
	cfg.Processing.AverageValue = 700
	cfg.Processing.SmoothMask = 4
	cfg.Processing.BiasSigma = 12

	// Set default regularisation parameters
	cfg.Regularization.Delta = 150
	cfg.Regularization.Lambda = 0.02
	cfg.Regularization.LastIterLambda = 0.01

	// Set default robust statistics parameters
	cfg.Robust.Step = 0.0001
	cfg.Robust.ReconIterations = 10
	cfg.Robust.FinalReconIterations = 30

	// Set default output parameters
	cfg.Output.Dir = "."
	cfg.Output.SaveIntermediaryResults = false

	// Set default logging parameters
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28
	cfg.Logging.MaxBackups = 3

	return cfg
}

// Validate checks parameter values the reconstruction cannot work with
func (c *Config) Validate() error {
	if c.Processing.BiasSigma <= 0 {
		return fmt.Errorf("%w: biasSigma must be larger than zero", ErrInvalidConfig)
	}
	if c.Regularization.Delta <= 0 {
		return fmt.Errorf("%w: delta must be larger than zero", ErrInvalidConfig)
	}
	if c.Processing.Iterations < 1 {
		return fmt.Errorf("%w: at least one iteration is required", ErrInvalidConfig)
	}
	if c.Processing.Levels < 1 {
		return fmt.Errorf("%w: at least one smoothing level is required", ErrInvalidConfig)
	}
	if c.Robust.Step <= 0 {
		return fmt.Errorf("%w: step must be larger than zero", ErrInvalidConfig)
	}
	switch c.Output.PreviewAxis {
	case "", "x", "y", "z":
	default:
		return fmt.Errorf("%w: previewAxis must be x, y or z, got %q", ErrInvalidConfig, c.Output.PreviewAxis)
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

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
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

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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
