// Package config provides configuration loading and management for roidecode.
// It handles loading configuration from YAML files, environment overrides and
// validation, and provides default values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"roidecode/internal/models"
	"roidecode/pkg/transform"
)

// CorpusFileName is the cache file name used inside the output directory.
const CorpusFileName = "neurosynth_dataset.gob.gz"

var validate = validator.New()

// Config represents the application configuration loaded from YAML
type Config struct {
	// Atlas selects the Schaefer 2018 parcellation and where to fetch it
	Atlas struct {
		// Networks is the Yeo network count (7 or 17)
		Networks int `yaml:"networks" validate:"oneof=7 17"`

		// Parcels is the number of parcels, 100 to 1000 in steps of 100
		Parcels int `yaml:"parcels" validate:"min=100,max=1000"`

		// Resolution is the atlas voxel size in mm (1 or 2)
		Resolution int `yaml:"resolution" validate:"oneof=1 2"`

		// BaseURL is the CBIG directory holding the MNI parcellations
		BaseURL string `yaml:"baseURL" validate:"required,url"`
	} `yaml:"atlas"`

	// Decoding controls the meta-analytic decoder
	Decoding struct {
		// Method is one of association, brainmap or chi
		Method string `yaml:"method" validate:"required"`

		// Labels is the number of terms reported per ROI
		Labels int `yaml:"labels" validate:"min=1,max=5"`

		// FrequencyThreshold binarizes term weights for brainmap and chi
		FrequencyThreshold float64 `yaml:"frequencyThreshold" validate:"gte=0"`

		// Prior is the uniform prior p(term) used by chi
		Prior float64 `yaml:"prior" validate:"gt=0,lt=1"`

		// KernelRadius is the sphere radius in mm around each focus used by association
		KernelRadius float64 `yaml:"kernelRadius" validate:"gte=0"`
	} `yaml:"decoding"`

	// Corpus locates the study database and its remote source
	Corpus struct {
		// Path overrides <dir>/neurosynth_dataset.gob.gz when set
		Path string `yaml:"path"`

		// URL is the Neurosynth tarball fetched when no cache exists
		URL string `yaml:"url" validate:"omitempty,url"`

		// S3 optionally replaces URL with an object-store mirror
		S3 struct {
			Bucket    string `yaml:"bucket"`
			Key       string `yaml:"key" validate:"required_with=Bucket"`
			Region    string `yaml:"region"`
			Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
			AccessKey string `yaml:"accessKey"`
			SecretKey string `yaml:"secretKey"`
		} `yaml:"s3"`

		// Timeout bounds a single fetch attempt
		Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

		// RetryBackoff is the wait before the single retry of a failed fetch
		RetryBackoff time.Duration `yaml:"retryBackoff" validate:"gte=0"`
	} `yaml:"corpus"`

	// Transform holds the native-to-MNI152 affine rows
	Transform struct {
		Matrix models.Matrix34 `yaml:"matrix"`
	} `yaml:"transform"`

	// Processing parameters
	Processing struct {
		// Workers is the number of ROIs decoded concurrently
		Workers int `yaml:"workers" validate:"min=1"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir holds downloads, the corpus cache and relative output files
		Dir string `yaml:"dir" validate:"required"`

		// File is the result CSV
		File string `yaml:"file"`

		// MetricsFile receives Prometheus text metrics at exit when set
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`

	// Logging controls structured logging
	Logging struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Atlas.Networks = 7
	cfg.Atlas.Parcels = 100
	cfg.Atlas.Resolution = 1
	cfg.Atlas.BaseURL = "https://raw.githubusercontent.com/ThomasYeoLab/CBIG/master/stable_projects/" +
		"brain_parcellation/Schaefer2018_LocalGlobal/Parcellations/MNI"

	cfg.Decoding.Method = "association"
	cfg.Decoding.Labels = 1
	cfg.Decoding.FrequencyThreshold = 0.001
	cfg.Decoding.Prior = 0.5
	cfg.Decoding.KernelRadius = 6

	cfg.Corpus.URL = "https://github.com/neurosynth/neurosynth-data/raw/master/current_data.tar.gz"
	cfg.Corpus.Timeout = 10 * time.Minute
	cfg.Corpus.RetryBackoff = 5 * time.Second

	cfg.Transform.Matrix = transform.FreeSurferToMNI152

	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Dir = "."
	cfg.Output.File = "roi_labels.csv"

	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, it starts from the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks field ranges. The decoding method name is checked by the
// decoding package so that an unknown method reports its own error kind.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Atlas.Parcels%100 != 0 {
		return fmt.Errorf("invalid configuration: parcels must be a multiple of 100, got %d", c.Atlas.Parcels)
	}
	return nil
}

// CorpusPath returns the cache location: the explicit path, or the default
// file name inside the output directory.
func (c *Config) CorpusPath() string {
	if c.Corpus.Path != "" {
		return c.Corpus.Path
	}
	return filepath.Join(c.Output.Dir, CorpusFileName)
}

// OutputPath returns the result file with a .csv suffix enforced. Relative
// paths are kept relative to the working directory.
func (c *Config) OutputPath() string {
	out := c.Output.File
	if !strings.HasSuffix(out, ".csv") {
		out += ".csv"
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROIDECODE_DIR"); v != "" {
		cfg.Output.Dir = v
	}
	if v := os.Getenv("ROIDECODE_DATASET"); v != "" {
		cfg.Corpus.Path = v
	}
	if v := os.Getenv("ROIDECODE_CORPUS_URL"); v != "" {
		cfg.Corpus.URL = v
	}
	if v := os.Getenv("ROIDECODE_S3_BUCKET"); v != "" {
		cfg.Corpus.S3.Bucket = v
	}
	if v := os.Getenv("ROIDECODE_S3_KEY"); v != "" {
		cfg.Corpus.S3.Key = v
	}
	if v := os.Getenv("ROIDECODE_S3_ENDPOINT"); v != "" {
		cfg.Corpus.S3.Endpoint = v
	}
	if v := os.Getenv("ROIDECODE_S3_REGION"); v != "" {
		cfg.Corpus.S3.Region = v
	}
	if v := os.Getenv("ROIDECODE_S3_ACCESS_KEY"); v != "" {
		cfg.Corpus.S3.AccessKey = v
	}
	if v := os.Getenv("ROIDECODE_S3_SECRET_KEY"); v != "" {
		cfg.Corpus.S3.SecretKey = v
	}
	if v := os.Getenv("ROIDECODE_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Corpus.Timeout = d
		}
	}
	if v := os.Getenv("ROIDECODE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.Workers = n
		}
	}
	if v := os.Getenv("ROIDECODE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ROIDECODE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
