package engine

import "time"

type Config struct {
	ThroughputInterval time.Duration
	RetentionInterval  time.Duration
	UsageRetention     time.Duration
	RetentionQueue     string
}

func DefaultConfig() Config {
	return Config{
		ThroughputInterval: time.Second,
		RetentionInterval:  time.Hour,
		UsageRetention:     30 * 24 * time.Hour,
		RetentionQueue:     "batch-processing",
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ThroughputInterval <= 0 {
		c.ThroughputInterval = defaults.ThroughputInterval
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = defaults.RetentionInterval
	}
	if c.UsageRetention <= 0 {
		c.UsageRetention = defaults.UsageRetention
	}
	if c.RetentionQueue == "" {
		c.RetentionQueue = defaults.RetentionQueue
	}
	return c
}
