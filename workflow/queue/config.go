package queue

import "time"

// Config controls match service behavior, following the
// Default*Config()+Merge()+*bool-accessor idiom used throughout this
// codebase's config packages.
type Config struct {
	// DefaultMaxAttempts seeds QueueTask.MaxAttempts for tasks enqueued
	// without an explicit value.
	DefaultMaxAttempts int

	// HeartbeatTimeout is how long a Processing task may go without a
	// Heartbeat call before the reaper reclaims it.
	HeartbeatTimeout time.Duration

	// ReapInterval is the reaper's scan cadence.
	ReapInterval time.Duration

	// ReapLimit bounds how many stale tasks one reap tick reclaims.
	ReapLimit int

	// PersistentPollInterval is how often PersistentQueue.Poll re-checks
	// storage while long-polling for a task.
	PersistentPollInterval time.Duration

	// GreedyPollNil is carried by DefaultConfig and Merge and read via
	// GreedyPoll() (defaults true). No queue backend consults it: every
	// Poll claims only Queued tasks and never picks up Retrying ones.
	GreedyPollNil *bool
}

func (c *Config) GreedyPoll() bool {
	if c.GreedyPollNil == nil {
		return true
	}
	return *c.GreedyPollNil
}

// DefaultConfig returns sensible Match Service defaults.
func DefaultConfig() Config {
	greedy := true
	return Config{
		DefaultMaxAttempts:     3,
		HeartbeatTimeout:       30 * time.Second,
		ReapInterval:           5 * time.Second,
		ReapLimit:              100,
		PersistentPollInterval: 50 * time.Millisecond,
		GreedyPollNil:          &greedy,
	}
}

func (c *Config) Merge(source *Config) {
	if source.DefaultMaxAttempts > 0 {
		c.DefaultMaxAttempts = source.DefaultMaxAttempts
	}
	if source.HeartbeatTimeout > 0 {
		c.HeartbeatTimeout = source.HeartbeatTimeout
	}
	if source.ReapInterval > 0 {
		c.ReapInterval = source.ReapInterval
	}
	if source.ReapLimit > 0 {
		c.ReapLimit = source.ReapLimit
	}
	if source.PersistentPollInterval > 0 {
		c.PersistentPollInterval = source.PersistentPollInterval
	}
	if source.GreedyPollNil != nil {
		c.GreedyPollNil = source.GreedyPollNil
	}
}
