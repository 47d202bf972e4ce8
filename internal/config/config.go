// Package config handles the optional orch.yaml defaults file. Every
// value here except stale_lock_sec can be overridden per-invocation by
// a CLI flag.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the orch.yaml configuration file.
type Config struct {
	Home         string `yaml:"home"`
	Workdir      string `yaml:"workdir"`
	MaxParallel  int    `yaml:"max_parallel"`
	FailFast     bool   `yaml:"fail_fast"`
	StaleLockSec int    `yaml:"stale_lock_sec"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Home:         ".orch",
		Workdir:      ".",
		MaxParallel:  4,
		FailFast:     false,
		StaleLockSec: 3600,
	}
}

// Load reads configuration from path. A missing file yields the
// defaults; a present but malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = "orch.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home must not be empty")
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1, got %d", c.MaxParallel)
	}
	if c.StaleLockSec < 1 {
		return fmt.Errorf("stale_lock_sec must be >= 1, got %d", c.StaleLockSec)
	}
	return nil
}
