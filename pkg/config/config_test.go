package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roidecode/pkg/transform"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, transform.FreeSurferToMNI152, cfg.Transform.Matrix)
	assert.Equal(t, filepath.Join(".", CorpusFileName), cfg.CorpusPath())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Atlas.Networks)
	assert.Equal(t, "association", cfg.Decoding.Method)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Atlas.Networks = 17
	cfg.Atlas.Parcels = 400
	cfg.Decoding.Method = "chi"
	cfg.Decoding.Labels = 3
	cfg.Corpus.Timeout = 90 * time.Second
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 17, loaded.Atlas.Networks)
	assert.Equal(t, 400, loaded.Atlas.Parcels)
	assert.Equal(t, "chi", loaded.Decoding.Method)
	assert.Equal(t, 3, loaded.Decoding.Labels)
	assert.Equal(t, 90*time.Second, loaded.Corpus.Timeout)
	assert.Equal(t, cfg.Transform.Matrix, loaded.Transform.Matrix)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("atlas: [unterminated"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROIDECODE_DIR", "/data/out")
	t.Setenv("ROIDECODE_WORKERS", "3")
	t.Setenv("ROIDECODE_LOG_FORMAT", "json")
	t.Setenv("ROIDECODE_FETCH_TIMEOUT", "45s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/data/out", cfg.Output.Dir)
	assert.Equal(t, 3, cfg.Processing.Workers)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, 45*time.Second, cfg.Corpus.Timeout)
	assert.Equal(t, filepath.Join("/data/out", CorpusFileName), cfg.CorpusPath())
}

func TestValidateRanges(t *testing.T) {
	cases := map[string]func(*Config){
		"networks":   func(c *Config) { c.Atlas.Networks = 9 },
		"parcels":    func(c *Config) { c.Atlas.Parcels = 1100 },
		"step":       func(c *Config) { c.Atlas.Parcels = 250 },
		"labels low": func(c *Config) { c.Decoding.Labels = 0 },
		"labels":     func(c *Config) { c.Decoding.Labels = 6 },
		"prior":      func(c *Config) { c.Decoding.Prior = 1 },
		"workers":    func(c *Config) { c.Processing.Workers = 0 },
		"log level":  func(c *Config) { c.Logging.Level = "trace" },
		"s3 key":     func(c *Config) { c.Corpus.S3.Bucket = "mirror" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOutputPathEnforcesCSV(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.File = "results"
	assert.Equal(t, "results.csv", cfg.OutputPath())

	cfg.Output.File = "results.csv"
	assert.Equal(t, "results.csv", cfg.OutputPath())
}
