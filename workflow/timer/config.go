// Package timer implements the timer service: durable fire-at
// records plus a background poller that transitions due timers from
// Pending to Fired and signals the engine.
package timer

import "time"

// Config controls the poller's cadence and batch size.
type Config struct {
	// PollInterval is how often the poller scans for due timers.
	PollInterval time.Duration

	// BatchLimit bounds how many due timers one tick processes.
	BatchLimit int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchLimit:   100,
	}
}

func (c *Config) Merge(source *Config) {
	if source.PollInterval > 0 {
		c.PollInterval = source.PollInterval
	}
	if source.BatchLimit > 0 {
		c.BatchLimit = source.BatchLimit
	}
}
