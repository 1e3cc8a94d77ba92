// Package config provides configuration loading and management for lungmask.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"lungmask/pkg/errs"
	"lungmask/pkg/modelzoo"
	"lungmask/pkg/pipeline"
	"lungmask/pkg/postprocess"
	"lungmask/pkg/preprocess"
)

// Model backends.
const (
	BackendDNN    = "dnn"
	BackendRemote = "remote"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model selection
	Model struct {
		// Family is the network family, unet or resunet
		Family string `yaml:"family"`

		// Variant names the published weights, e.g. R231 or LTRCLobes
		Variant string `yaml:"variant"`

		// Path overrides the published weights with a local file
		Path string `yaml:"path"`

		// Backend evaluates the network: dnn (OpenCV) or remote (HTTP service)
		Backend string `yaml:"backend"`

		// ServiceURL is the base URL of the remote inference service
		ServiceURL string `yaml:"serviceURL"`

		// CacheDir holds downloaded weights
		CacheDir string `yaml:"cacheDir"`
	} `yaml:"model"`

	// Inference parameters
	Inference struct {
		// BatchSize is the number of slices evaluated at once
		BatchSize int `yaml:"batchSize"`

		// ForceCPU runs on the CPU even when a GPU is available
		ForceCPU bool `yaml:"forceCPU"`
	} `yaml:"inference"`

	// Slice preprocessing parameters
	Preprocessing struct {
		// Policy is hu for CT in Hounsfield units or gated for other input
		Policy string `yaml:"policy"`

		// Resolution is the side of the square slices fed to the network
		Resolution int `yaml:"resolution"`

		// HUCap is the upper clipping bound in HU
		HUCap float64 `yaml:"huCap"`

		// Crop enables cropping each slice to the patient body
		Crop bool `yaml:"crop"`

		// Cutoff and MinPixels configure the quality gate of non-HU input
		Cutoff    float64 `yaml:"cutoff"`
		MinPixels int     `yaml:"minPixels"`
	} `yaml:"preprocessing"`

	// Postprocessing parameters
	Postprocessing struct {
		// Enabled keeps only the largest connected components per class
		Enabled bool `yaml:"enabled"`

		// Ranking is voxels or volume
		Ranking string `yaml:"ranking"`

		// Strategy is discard or reassign
		Strategy string `yaml:"strategy"`
	} `yaml:"postprocessing"`

	// Fusion parameters
	Fusion struct {
		// Enabled combines a fine model with a coarse fill model
		Enabled bool `yaml:"enabled"`

		// BaseVariant and FillVariant select the two models
		BaseVariant string `yaml:"baseVariant"`
		FillVariant string `yaml:"fillVariant"`

		// Parallel runs both models at the same time
		Parallel bool `yaml:"parallel"`
	} `yaml:"fusion"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// ExtractSlices saves overlay images along every axis
		ExtractSlices bool `yaml:"extractSlices"`

		// SlicesDir is the directory receiving the overlay images
		SlicesDir string `yaml:"slicesDir"`

		// SurfaceFile receives an STL surface of the mask when set
		SurfaceFile string `yaml:"surfaceFile"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default model parameters
	cfg.Model.Family = modelzoo.FamilyUNet
	cfg.Model.Variant = "R231"
	cfg.Model.Backend = BackendDNN
	cfg.Model.CacheDir = modelzoo.DefaultCacheDir()

	// Set default inference parameters
	defaults := pipeline.DefaultOptions()
	cfg.Inference.BatchSize = defaults.BatchSize

	// Set default preprocessing parameters
	cfg.Preprocessing.Policy = defaults.Preprocess.Policy.String()
	cfg.Preprocessing.Resolution = defaults.Preprocess.Resolution
	cfg.Preprocessing.HUCap = defaults.Preprocess.HUCap
	cfg.Preprocessing.Crop = defaults.Preprocess.Crop
	cfg.Preprocessing.Cutoff = defaults.Preprocess.Cutoff
	cfg.Preprocessing.MinPixels = defaults.Preprocess.MinPixels

	// Set default postprocessing parameters
	cfg.Postprocessing.Enabled = true
	cfg.Postprocessing.Ranking = "voxels"
	cfg.Postprocessing.Strategy = "discard"

	// Set default fusion parameters
	cfg.Fusion.BaseVariant = pipeline.DefaultBaseVariant
	cfg.Fusion.FillVariant = pipeline.DefaultFillVariant

	// Set default output parameters
	cfg.Output.SlicesDir = "mask_slices"

	return cfg
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Model.Family != modelzoo.FamilyUNet && c.Model.Family != modelzoo.FamilyResUNet {
		return fmt.Errorf("unknown model family %q", c.Model.Family)
	}
	if c.Model.Path == "" {
		if _, err := modelzoo.Lookup(c.Model.Family, c.Model.Variant); err != nil {
			return err
		}
	}
	switch c.Model.Backend {
	case BackendDNN:
		// published weights are PyTorch checkpoints OpenCV cannot read
		if c.Model.Path == "" {
			return errs.New("config", errs.ErrConfiguration,
				"the dnn backend cannot load the published %s/%s weights; export them to ONNX and pass -modelpath <file.onnx>, or use -backend remote",
				c.Model.Family, c.Model.Variant)
		}
		if c.Fusion.Enabled {
			return errs.New("config", errs.ErrConfiguration,
				"fusion loads the published weights, which the dnn backend cannot read; use -backend remote")
		}
	case BackendRemote:
		if c.Model.ServiceURL == "" {
			return fmt.Errorf("remote backend needs a service URL")
		}
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	if c.Inference.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.Inference.BatchSize)
	}
	if c.Preprocessing.Resolution < 1 {
		return fmt.Errorf("resolution must be positive, got %d", c.Preprocessing.Resolution)
	}
	if c.Preprocessing.HUCap <= preprocess.HUFloor {
		return fmt.Errorf("HU cap %v must exceed %v", c.Preprocessing.HUCap, preprocess.HUFloor)
	}
	if c.Fusion.Enabled {
		for _, v := range []string{c.Fusion.BaseVariant, c.Fusion.FillVariant} {
			if _, err := modelzoo.Lookup(modelzoo.FamilyUNet, v); err != nil {
				return fmt.Errorf("fusion: %w", err)
			}
		}
	}
	_, err := c.PipelineOptions()
	return err
}

// PipelineOptions converts the configuration into pipeline options
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()

	policy, err := preprocess.ParsePolicy(c.Preprocessing.Policy)
	if err != nil {
		return opts, err
	}
	ranking, err := postprocess.ParseRanking(c.Postprocessing.Ranking)
	if err != nil {
		return opts, err
	}
	strategy, err := postprocess.ParseStrategy(c.Postprocessing.Strategy)
	if err != nil {
		return opts, err
	}

	opts.BatchSize = c.Inference.BatchSize
	opts.ForceFallback = c.Inference.ForceCPU
	opts.Postprocess = c.Postprocessing.Enabled
	opts.Ranking = ranking
	opts.Strategy = strategy
	opts.ParallelFusion = c.Fusion.Parallel

	opts.Preprocess.Policy = policy
	opts.Preprocess.Resolution = c.Preprocessing.Resolution
	opts.Preprocess.HUCap = c.Preprocessing.HUCap
	opts.Preprocess.Crop = c.Preprocessing.Crop
	opts.Preprocess.Cutoff = c.Preprocessing.Cutoff
	opts.Preprocess.MinPixels = c.Preprocessing.MinPixels
	return opts, nil
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
