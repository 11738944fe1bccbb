// Package worker runs background jobs for the bridge: draining the retry queue,
// reconciliation passes triggered over Pub/Sub, and provider health checks.
package worker

import (
	"time"
)

// RetryConfig holds configuration for the retry drain job.
type RetryConfig struct {
	// BatchSize is the maximum number of due items replayed per drain.
	// The retry_batch_size flag overrides it when a flag source is set.
	// Default: 100
	BatchSize int

	// Concurrency is the number of concurrent replays.
	// Default: 4
	Concurrency int

	// Timeout is the timeout for each replay.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultRetryConfig returns the default retry drain configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BatchSize:   100,
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}
