// Package config handles gpuvec configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--length, --op, etc.)
//  2. Environment variables (GPUVEC_*)
//  3. Config file (gpuvec.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile("gpuvec.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	ctx, err := gpu.Open(cfg.ContextOptions())
//
// Environment Variables (all use GPUVEC_ prefix):
//
// Device:
//   - GPUVEC_POWER_PREFERENCE="high-performance" or "low-power"
//
// Pipeline:
//   - GPUVEC_LENGTH=5
//   - GPUVEC_ELEMENT="f32", "i32" or "u32"
//   - GPUVEC_OP="add"
//   - GPUVEC_KERNEL_FILE="./kernels/custom.wgsl"
//   - GPUVEC_LABEL="vec"
//
// Readback:
//   - GPUVEC_READBACK_TIMEOUT="2s"
//   - GPUVEC_POLL_INTERVAL="1ms"
//
// Logging:
//   - GPUVEC_LOG_LEVEL="info"
//   - GPUVEC_LOG_FORMAT="text" or "json"
//   - GPUVEC_DEBUG=true
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/gpuvec/gpu"
	"github.com/openfluke/gpuvec/kernels"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all gpuvec configuration.
type Config struct {
	Device   DeviceConfig
	Pipeline PipelineConfig
	Readback ReadbackConfig
	Logging  LoggingConfig
}

// DeviceConfig selects the adapter.
type DeviceConfig struct {
	// PowerPreference is "high-performance" (default) or "low-power".
	PowerPreference string
}

// PipelineConfig describes the elementwise pipeline to build.
type PipelineConfig struct {
	// Length is the fixed number of elements per vector. Must be positive.
	Length int
	// Element is the WGSL scalar type: "f32", "i32" or "u32".
	Element string
	// Op names a registered elementwise op. Ignored when KernelFile is set.
	Op string
	// KernelFile is an optional path to a custom WGSL kernel.
	KernelFile string
	// Label prefixes device object labels.
	Label string
}

// ReadbackConfig bounds the host wait for results.
type ReadbackConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level  string
	Format string
	// Debug enables per-resource lifecycle logging in the gpu package.
	Debug bool
}

// YAMLConfig is the on-disk layout. Durations are strings such as "2s".
type YAMLConfig struct {
	Device struct {
		PowerPreference string `yaml:"power_preference"`
	} `yaml:"device"`
	Pipeline struct {
		Length     *int   `yaml:"length"`
		Element    string `yaml:"element"`
		Op         string `yaml:"op"`
		KernelFile string `yaml:"kernel_file"`
		Label      string `yaml:"label"`
	} `yaml:"pipeline"`
	Readback struct {
		Timeout      string `yaml:"timeout"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"readback"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	} `yaml:"logging"`
}

// LoadDefaults returns the built-in configuration: five f32 elements added on
// a high-performance adapter.
func LoadDefaults() *Config {
	return &Config{
		Device: DeviceConfig{PowerPreference: gpu.PowerHighPerformance.String()},
		Pipeline: PipelineConfig{
			Length:  5,
			Element: "f32",
			Op:      "add",
			Label:   "vec",
		},
		Readback: ReadbackConfig{
			Timeout:      gpu.DefaultReadbackTimeout,
			PollInterval: gpu.DefaultPollInterval,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadFromEnv returns the defaults with GPUVEC_* overrides applied.
func LoadFromEnv() *Config {
	cfg := LoadDefaults()
	ApplyEnvVars(cfg)
	return cfg
}

// LoadFromFile reads a YAML file over the defaults, then applies environment
// overrides. A missing file is not an error. An empty path skips the file.
func LoadFromFile(path string) (*Config, error) {
	cfg := LoadDefaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := applyYAML(cfg, data); err != nil {
				return nil, err
			}
		}
	}
	ApplyEnvVars(cfg)
	return cfg, nil
}

func applyYAML(cfg *Config, data []byte) error {
	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if y.Device.PowerPreference != "" {
		cfg.Device.PowerPreference = y.Device.PowerPreference
	}

	// An explicit 0 must reach Validate.
	if y.Pipeline.Length != nil {
		cfg.Pipeline.Length = *y.Pipeline.Length
	}
	if y.Pipeline.Element != "" {
		cfg.Pipeline.Element = y.Pipeline.Element
	}
	if y.Pipeline.Op != "" {
		cfg.Pipeline.Op = y.Pipeline.Op
	}
	if y.Pipeline.KernelFile != "" {
		cfg.Pipeline.KernelFile = y.Pipeline.KernelFile
	}
	if y.Pipeline.Label != "" {
		cfg.Pipeline.Label = y.Pipeline.Label
	}

	if y.Readback.Timeout != "" {
		d, err := parseDuration(y.Readback.Timeout)
		if err != nil {
			return fmt.Errorf("readback.timeout: %w", err)
		}
		cfg.Readback.Timeout = d
	}
	if y.Readback.PollInterval != "" {
		d, err := parseDuration(y.Readback.PollInterval)
		if err != nil {
			return fmt.Errorf("readback.poll_interval: %w", err)
		}
		cfg.Readback.PollInterval = d
	}

	if y.Logging.Level != "" {
		cfg.Logging.Level = y.Logging.Level
	}
	if y.Logging.Format != "" {
		cfg.Logging.Format = y.Logging.Format
	}
	if y.Logging.Debug {
		cfg.Logging.Debug = true
	}
	return nil
}

// ApplyEnvVars overrides cfg with any GPUVEC_* variables that are set.
func ApplyEnvVars(cfg *Config) {
	cfg.Device.PowerPreference = getEnv("GPUVEC_POWER_PREFERENCE", cfg.Device.PowerPreference)

	cfg.Pipeline.Length = getEnvInt("GPUVEC_LENGTH", cfg.Pipeline.Length)
	cfg.Pipeline.Element = getEnv("GPUVEC_ELEMENT", cfg.Pipeline.Element)
	cfg.Pipeline.Op = getEnv("GPUVEC_OP", cfg.Pipeline.Op)
	cfg.Pipeline.KernelFile = getEnv("GPUVEC_KERNEL_FILE", cfg.Pipeline.KernelFile)
	cfg.Pipeline.Label = getEnv("GPUVEC_LABEL", cfg.Pipeline.Label)

	cfg.Readback.Timeout = getEnvDuration("GPUVEC_READBACK_TIMEOUT", cfg.Readback.Timeout)
	cfg.Readback.PollInterval = getEnvDuration("GPUVEC_POLL_INTERVAL", cfg.Readback.PollInterval)

	cfg.Logging.Level = getEnv("GPUVEC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("GPUVEC_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Debug = getEnvBool("GPUVEC_DEBUG", cfg.Logging.Debug)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParsePowerPreference(c.Device.PowerPreference); err != nil {
		return err
	}
	if c.Pipeline.Length <= 0 {
		return fmt.Errorf("%w: pipeline length must be positive, got %d", ErrInvalid, c.Pipeline.Length)
	}
	switch c.Pipeline.Element {
	case "f32", "i32", "u32":
	default:
		return fmt.Errorf("%w: pipeline element must be f32, i32 or u32, got %q", ErrInvalid, c.Pipeline.Element)
	}
	if c.Pipeline.KernelFile == "" {
		if _, err := kernels.Lookup(c.Pipeline.Op); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if c.Readback.Timeout <= 0 {
		return fmt.Errorf("%w: readback timeout must be positive, got %s", ErrInvalid, c.Readback.Timeout)
	}
	if c.Readback.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalid, c.Readback.PollInterval)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format must be text or json, got %q", ErrInvalid, c.Logging.Format)
	}
	return nil
}

// ContextOptions converts the device section. Call Validate first.
func (c *Config) ContextOptions() gpu.ContextOptions {
	pref, _ := ParsePowerPreference(c.Device.PowerPreference)
	return gpu.ContextOptions{PowerPreference: pref}
}

// ManagerOptions converts the pipeline and readback sections around a kernel
// the caller has already resolved for the configured element type.
func (c *Config) ManagerOptions(kernel gpu.KernelSource) gpu.ManagerOptions {
	return gpu.ManagerOptions{
		Length:          c.Pipeline.Length,
		Kernel:          kernel,
		ReadbackTimeout: c.Readback.Timeout,
		PollInterval:    c.Readback.PollInterval,
		Label:           c.Pipeline.Label,
	}
}

// String renders the effective configuration for logs.
func (c *Config) String() string {
	kernel := c.Pipeline.Op
	if c.Pipeline.KernelFile != "" {
		kernel = c.Pipeline.KernelFile
	}
	return fmt.Sprintf("power=%s length=%d element=%s kernel=%s timeout=%s poll=%s log=%s/%s",
		c.Device.PowerPreference, c.Pipeline.Length, c.Pipeline.Element, kernel,
		c.Readback.Timeout, c.Readback.PollInterval, c.Logging.Level, c.Logging.Format)
}

// ParsePowerPreference accepts "high-performance", "low-power" and the
// shorthands "high" and "low". Empty means high performance.
func ParsePowerPreference(s string) (gpu.PowerPreference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "high", "high-performance", "performance":
		return gpu.PowerHighPerformance, nil
	case "low", "low-power":
		return gpu.PowerLowPower, nil
	}
	return 0, fmt.Errorf("%w: unknown power preference %q", ErrInvalid, s)
}

func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	// Bare integers are seconds.
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := parseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
