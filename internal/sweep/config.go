package sweep

import (
	"time"

	"github.com/smallbiznis/soldiers/internal/config"
)

// Config controls how often the sweep runs and how hard it pushes the
// provider.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    15 * time.Minute,
		BatchSize:   100,
		Concurrency: 4,
		Timeout:     10 * time.Minute,
		LockTTL:     15 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Sweep.Enabled,
		Interval:    cfg.Sweep.Interval,
		BatchSize:   cfg.Sweep.BatchSize,
		Concurrency: cfg.Sweep.Concurrency,
		Timeout:     cfg.Sweep.Timeout,
		LockTTL:     cfg.Sweep.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
