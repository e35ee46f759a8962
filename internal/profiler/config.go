package profiler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/calltally/calltally/internal/export"
	httpexport "github.com/calltally/calltally/internal/export/http"
)

const (
	// DefaultOutputPath is the output file used when neither the
	// environment nor a config file names one.
	DefaultOutputPath = "callcounter.raw"

	// EnvOutputPath overrides the output file path. Read once, at init.
	EnvOutputPath = "CALLTALLY_OUTFILE"

	// EnvConfigPath names an optional YAML config file for the
	// package-level default profiler.
	EnvConfigPath = "CALLTALLY_CONFIG"
)

// OutputConfig configures the shared output file.
type OutputConfig struct {
	// Path is the output file path. The environment override wins over
	// this; DefaultOutputPath is used when both are empty.
	Path string `yaml:"path"`
}

// Config is the top-level configuration for a profiler instance. The
// zero value is valid and yields a file-only, fully silent profiler.
type Config struct {
	// LogLevel sets the logging verbosity of the harness binary
	// (debug, info, warn, error). The profiler itself logs nothing
	// unless a real logger is injected.
	LogLevel string `yaml:"log_level"`

	// Output configures the shared output file.
	Output OutputConfig `yaml:"output"`

	// Health configures the optional Prometheus self-metrics server.
	Health export.HealthConfig `yaml:"health"`

	// ClickHouse configures the optional ClickHouse record exporter.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`

	// HTTP configures the optional HTTP record exporter.
	HTTP httpexport.Config `yaml:"http"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Output: OutputConfig{
			Path: DefaultOutputPath,
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnvironment builds the configuration for the package-level
// default profiler: an optional config file named by CALLTALLY_CONFIG,
// then the CALLTALLY_OUTFILE path override. It never fails; a broken
// config file degrades to the defaults so instrumentation can never
// abort the profiled program.
func FromEnvironment() *Config {
	cfg := DefaultConfig()

	if path := os.Getenv(EnvConfigPath); path != "" {
		if loaded, err := LoadConfig(path); err == nil {
			cfg = loaded
		}
	}

	cfg.ApplyEnvironment()

	return cfg
}

// ApplyEnvironment applies the environment path override to an already
// built config.
func (c *Config) ApplyEnvironment() {
	if path := os.Getenv(EnvOutputPath); path != "" {
		c.Output.Path = path
	}

	if c.Output.Path == "" {
		c.Output.Path = DefaultOutputPath
	}
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.ClickHouse.Enabled && c.ClickHouse.Endpoint == "" {
		return fmt.Errorf("clickhouse.endpoint is required when enabled")
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	return nil
}
