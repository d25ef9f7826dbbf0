// Package scheduler provides task dispatching with worker pool management.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of tasks driven concurrently.
	GlobalMax int `yaml:"global_max" toml:"global_max"`
	// PollInterval is how often the registry is scanned for work.
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:    10,
		PollInterval: time.Second,
	}
}

func (c *Config) normalize() {
	if c.GlobalMax <= 0 {
		c.GlobalMax = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}
