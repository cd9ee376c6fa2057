package scheduler

import (
	"time"

	"github.com/smallbiznis/attribution/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	AttributionBatch  int
	BillingBatch      int
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		RecoveryThreshold: 15 * time.Minute,
		AttributionBatch:  10,
		BillingBatch:      50,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SchedulerInterval,
		EnabledJobs: cfg.SchedulerEnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.AttributionBatch <= 0 {
		c.AttributionBatch = defaults.AttributionBatch
	}
	if c.BillingBatch <= 0 {
		c.BillingBatch = defaults.BillingBatch
	}
	return c
}
