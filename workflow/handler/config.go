package handler

import "time"

// Config controls handler-level behavior that the DSL itself doesn't
// expose a knob for, following the Default*Config()+Merge()+*bool-
// accessor idiom used throughout this codebase.
type Config struct {
	// FailFastNil selects the Parallel/Map
	// branch-failure policy. true = first branch failure cancels
	// outstanding siblings and fails the parent immediately; false
	// (default) = wait for every branch to quiesce, then fail only if
	// any failed, collecting every branch error. Use FailFast() to
	// read (defaults false).
	FailFastNil *bool

	// MaxBranchConcurrency bounds Parallel/Map fan-out for every state;
	// a state's own MaxConcurrency field is not read.
	MaxBranchConcurrency int

	// InlineRetrySleepCap bounds how long an Inline-mode retry backoff
	// will actually sleep, so a misconfigured BackoffRate can't stall
	// a synchronous caller indefinitely.
	InlineRetrySleepCap time.Duration
}

func (c Config) FailFast() bool {
	if c.FailFastNil == nil {
		return false
	}
	return *c.FailFastNil
}

func DefaultConfig() Config {
	return Config{
		MaxBranchConcurrency: 8,
		InlineRetrySleepCap:  30 * time.Second,
	}
}

func (c *Config) Merge(source *Config) {
	if source.FailFastNil != nil {
		c.FailFastNil = source.FailFastNil
	}
	if source.MaxBranchConcurrency > 0 {
		c.MaxBranchConcurrency = source.MaxBranchConcurrency
	}
	if source.InlineRetrySleepCap > 0 {
		c.InlineRetrySleepCap = source.InlineRetrySleepCap
	}
}
