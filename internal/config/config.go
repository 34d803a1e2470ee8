package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ZeroChildPolicy decides what a parent's progress becomes when it has no
// children left to aggregate.
type ZeroChildPolicy string

const (
	// ZeroChildrenKeep leaves the stored value untouched.
	ZeroChildrenKeep ZeroChildPolicy = "keep"
	// ZeroChildrenReset forces progress to 0.
	ZeroChildrenReset ZeroChildPolicy = "reset"
)

// Config models rollup.yml.
type Config struct {
	Progress struct {
		ZeroChildren ZeroChildPolicy `yaml:"zero_children" json:"zero_children"`
	} `yaml:"progress" json:"progress"`
	Cascade struct {
		RecalcConcurrency int `yaml:"recalc_concurrency" json:"recalc_concurrency"`
	} `yaml:"cascade" json:"cascade"`
	Repair struct {
		Enabled     bool          `yaml:"enabled" json:"enabled"`
		Interval    time.Duration `yaml:"interval" json:"interval"`
		MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	} `yaml:"repair" json:"repair"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled" json:"enabled"`
		Stdout       bool   `yaml:"stdout" json:"stdout"`
		OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
	} `yaml:"telemetry" json:"telemetry"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Progress.ZeroChildren {
	case ZeroChildrenKeep, ZeroChildrenReset:
	default:
		return fmt.Errorf("config.progress.zero_children must be %q or %q, got %q", ZeroChildrenKeep, ZeroChildrenReset, c.Progress.ZeroChildren)
	}
	if c.Cascade.RecalcConcurrency < 1 {
		return fmt.Errorf("config.cascade.recalc_concurrency must be >= 1")
	}
	if c.Repair.Enabled {
		if c.Repair.Interval <= 0 {
			return fmt.Errorf("config.repair.interval must be positive when repair is enabled")
		}
		if c.Repair.MaxAttempts < 1 {
			return fmt.Errorf("config.repair.max_attempts must be >= 1")
		}
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rollup.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `progress:
  # keep: a parent with no children retains its stored progress
  # reset: a parent with no children drops to 0
  zero_children: keep

cascade:
  recalc_concurrency: 4

repair:
  enabled: false
  interval: 15m
  max_attempts: 3

server:
  addr: 127.0.0.1:8080
  base_path: /v0

telemetry:
  enabled: false
  stdout: false
`
