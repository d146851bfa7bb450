package scheduler

import (
	"time"

	"github.com/smallbiznis/licensehub/internal/config"
)

const (
	JobStaleSweep   = "stale_sweep"
	JobFleetRefresh = "fleet_refresh"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 30 * time.Second,
		StaleAfter:  3 * time.Minute,
		BatchSize:   500,
		JobTimeout:  10 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Presence.SweepInterval,
		StaleAfter:  cfg.Presence.StaleAfter,
		JobTimeout:  cfg.Presence.BatchTimeout,
	}.withDefaults()
}

// withDefaults leaves StaleAfter alone: zero disables the sweep.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
