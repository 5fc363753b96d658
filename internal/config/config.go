// Package config defines the RunConfig struct loaded by the driving
// binary, decoded with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rik9564/browsecraft/internal/scheduler"
)

// RunConfig is the full set of knobs a run can be configured with, via
// CLI flags or (out of this package's scope) a loaded YAML file.
type RunConfig struct {
	Workers int `yaml:"workers"`
	Browsers []string `yaml:"browsers"`
	Strategy scheduler.Strategy `yaml:"strategy"`
	Retries uint `yaml:"retries"`
	Bail bool `yaml:"bail"`
	Grep string `yaml:"grep"`
	Tag string `yaml:"tag"`
	Headless bool `yaml:"headless"`
	Debug bool `yaml:"debug"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Default returns the baseline run configuration.
func Default() RunConfig {
	return RunConfig{
		Workers: 1,
		Browsers: []string{"chrome"},
		Strategy: scheduler.Matrix,
		Retries: 0,
		Headless: true,
		StepTimeout: 60 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// Parse decodes a YAML document into a RunConfig seeded with Default's
// values, so a partial file only overrides what it mentions. Loading the
// file itself (reading it off disk, resolving a path) stays the driving
// binary's job.
func Parse(data []byte) (RunConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first structural problem with cfg, if any.
func (c RunConfig) Validate() error {
	switch c.Strategy {
	case scheduler.Parallel, scheduler.Sequential, scheduler.Matrix:
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Strategy)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Workers)
	}
	if len(c.Browsers) == 0 {
		return fmt.Errorf("config: at least one browser is required")
	}
	return nil
}
