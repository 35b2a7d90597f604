package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/gpuvec/gpu"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpuvec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := LoadDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Pipeline.Length)
	assert.Equal(t, "f32", cfg.Pipeline.Element)
	assert.Equal(t, "add", cfg.Pipeline.Op)
	assert.Equal(t, gpu.DefaultReadbackTimeout, cfg.Readback.Timeout)
	assert.Equal(t, gpu.ContextOptions{PowerPreference: gpu.PowerHighPerformance}, cfg.ContextOptions())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
device:
  power_preference: low-power
pipeline:
  length: 1024
  element: u32
  op: max
  label: bench
readback:
  timeout: 500ms
  poll_interval: "2"
logging:
  level: debug
  format: json
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, gpu.PowerLowPower, cfg.ContextOptions().PowerPreference)
	assert.Equal(t, 1024, cfg.Pipeline.Length)
	assert.Equal(t, "u32", cfg.Pipeline.Element)
	assert.Equal(t, "max", cfg.Pipeline.Op)
	assert.Equal(t, 500*time.Millisecond, cfg.Readback.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Readback.PollInterval)
	assert.Equal(t, "json", cfg.Logging.Format)

	opts := cfg.ManagerOptions(gpu.KernelSource{Label: "k"})
	assert.Equal(t, 1024, opts.Length)
	assert.Equal(t, "bench", opts.Label)
	assert.Equal(t, "k", opts.Kernel.Label)
}

func TestLoadFromFileMissingIsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, LoadDefaults(), cfg)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "pipeline: [unclosed"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfig(t, "readback:\n  timeout: soon\n"))
	assert.ErrorContains(t, err, "readback.timeout")
}

func TestLoadFromFileExplicitZeroLength(t *testing.T) {
	for _, body := range []string{"pipeline:\n  length: 0\n", "pipeline:\n  length: -2\n"} {
		cfg, err := LoadFromFile(writeConfig(t, body))
		require.NoError(t, err)
		assert.LessOrEqual(t, cfg.Pipeline.Length, 0, "explicit length must override the default")
		assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	}

	cfg, err := LoadFromFile(writeConfig(t, "pipeline:\n  op: mul\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pipeline.Length, "absent length keeps the default")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  length: 8\n  op: sub\n")
	t.Setenv("GPUVEC_LENGTH", "16")
	t.Setenv("GPUVEC_ELEMENT", "i32")
	t.Setenv("GPUVEC_READBACK_TIMEOUT", "3s")
	t.Setenv("GPUVEC_DEBUG", "true")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Pipeline.Length)
	assert.Equal(t, "i32", cfg.Pipeline.Element)
	assert.Equal(t, "sub", cfg.Pipeline.Op)
	assert.Equal(t, 3*time.Second, cfg.Readback.Timeout)
	assert.True(t, cfg.Logging.Debug)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GPUVEC_OP", "mul")
	t.Setenv("GPUVEC_POWER_PREFERENCE", "low")
	cfg := LoadFromEnv()
	assert.Equal(t, "mul", cfg.Pipeline.Op)
	assert.Equal(t, gpu.PowerLowPower, cfg.ContextOptions().PowerPreference)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero length", func(c *Config) { c.Pipeline.Length = 0 }},
		{"negative length", func(c *Config) { c.Pipeline.Length = -4 }},
		{"bad element", func(c *Config) { c.Pipeline.Element = "f64" }},
		{"unknown op", func(c *Config) { c.Pipeline.Op = "pow" }},
		{"bad power", func(c *Config) { c.Device.PowerPreference = "turbo" }},
		{"zero timeout", func(c *Config) { c.Readback.Timeout = 0 }},
		{"zero poll", func(c *Config) { c.Readback.PollInterval = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	t.Run("kernel file skips op lookup", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Pipeline.Op = "pow"
		cfg.Pipeline.KernelFile = "custom.wgsl"
		assert.NoError(t, cfg.Validate())
	})
}

func TestString(t *testing.T) {
	cfg := LoadDefaults()
	assert.Contains(t, cfg.String(), "length=5")
	assert.Contains(t, cfg.String(), "kernel=add")
}
