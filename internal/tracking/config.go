package tracking

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPageSize = 0x1000

	// DefaultCheckCountToMakeDecision is the number of checks a handle must see
	// before it can be considered for the always dirty state.
	DefaultCheckCountToMakeDecision = 400

	// DefaultAlwaysDirtyThreshold is the divisor of the check count a handle's
	// reprotect count must exceed to become always dirty (1/4 of checks).
	DefaultAlwaysDirtyThreshold = 4
)

// Config tunes the tracking coordinator.
type Config struct {
	PageSize                 uint64 `yaml:"pageSize,omitempty"`
	CheckCountToMakeDecision uint32 `yaml:"checkCountToMakeDecision,omitempty"`
	AlwaysDirtyThreshold     uint32 `yaml:"alwaysDirtyThreshold,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CheckCountToMakeDecision == 0 {
		c.CheckCountToMakeDecision = DefaultCheckCountToMakeDecision
	}
	if c.AlwaysDirtyThreshold == 0 {
		c.AlwaysDirtyThreshold = DefaultAlwaysDirtyThreshold
	}
}

// Validate fills in defaults and checks the result.
func (c *Config) Validate() error {
	c.normalize()
	if c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("tracking: page size 0x%x is not a power of 2", c.PageSize)
	}
	return nil
}

// ParseConfig decodes a YAML document into a validated Config.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("tracking: parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
