package router

import "time"

type Config struct {
	AcquireTimeout     time.Duration
	StatementTimeout   time.Duration
	HealthInterval     time.Duration
	ProbeTimeout       time.Duration
	SlowQueryThreshold time.Duration
	MinConn            int
}

func DefaultConfig() Config {
	return Config{
		AcquireTimeout:     3 * time.Second,
		StatementTimeout:   30 * time.Second,
		HealthInterval:     10 * time.Second,
		ProbeTimeout:       5 * time.Second,
		SlowQueryThreshold: time.Second,
		MinConn:            2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaults.AcquireTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = defaults.StatementTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaults.HealthInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = defaults.SlowQueryThreshold
	}
	if c.MinConn < 0 {
		c.MinConn = 0
	}
	return c
}
