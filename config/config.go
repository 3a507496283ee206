// Package config holds the analysis options and the leveled logger shared by
// the analysis packages and the command line tool.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maxgio92/fidget/arch"
)

// DefaultMaxBlockSize is the byte budget of a lifted block.
const DefaultMaxBlockSize = 400

// Config is the analysis configuration. Fields missing from a config file
// keep their default value.
type Config struct {
	Options `yaml:",inline"`

	// Simulated lists names of functions that are modelled externally. They
	// are treated as hooked and never analyzed.
	Simulated []string `yaml:"simulated"`

	// Architectures adds or replaces architecture descriptors.
	Architectures []*arch.Arch `yaml:"architectures"`

	sourceFile string
}

// Options are the scalar analysis settings.
type Options struct {
	// LogLevel controls verbosity, from 1 (errors only) to 5 (trace).
	LogLevel int `yaml:"log-level"`

	// MaxBlockSize caps the number of bytes lifted per block.
	MaxBlockSize int `yaml:"max-block-size"`

	// Workers is the number of functions analyzed concurrently.
	Workers int `yaml:"workers"`

	// ChaseStructs requests recursive pointer chasing beyond the current
	// frame. It is not supported and makes the analysis fail to start.
	ChaseStructs bool `yaml:"chase-structs"`
}

// NewDefault returns the default configuration.
func NewDefault() *Config {
	return &Config{
		Options: Options{
			LogLevel:     int(InfoLevel),
			MaxBlockSize: DefaultMaxBlockSize,
			Workers:      1,
		},
	}
}

// Load reads a configuration from a YAML file.
func Load(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", filename, err)
	}
	cfg.sourceFile = filename
	return cfg, nil
}

// Parse decodes a YAML configuration, filling unset fields with defaults,
// and registers the architecture descriptors it carries.
func Parse(b []byte) (*Config, error) {
	cfg := NewDefault()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, a := range cfg.Architectures {
		if err := arch.Add(a); err != nil {
			return nil, fmt.Errorf("invalid architecture %q: %w", a.Name, err)
		}
	}
	return cfg, nil
}

// Validate normalizes zero values and rejects out-of-range settings.
func (c *Config) Validate() error {
	if c.LogLevel == 0 {
		c.LogLevel = int(InfoLevel)
	}
	if c.LogLevel < int(ErrLevel) || c.LogLevel > int(TraceLevel) {
		return fmt.Errorf("log-level must be between %d and %d, got %d", ErrLevel, TraceLevel, c.LogLevel)
	}
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = DefaultMaxBlockSize
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return nil
}

// SourceFile returns the file the configuration was loaded from, if any.
func (c *Config) SourceFile() string {
	return c.sourceFile
}

// IsSimulated reports whether the function named name is listed as simulated.
func (c *Config) IsSimulated(name string) bool {
	for _, s := range c.Simulated {
		if s == name {
			return true
		}
	}
	return false
}
