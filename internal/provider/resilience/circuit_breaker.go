// Package resilience provides the HTTP client used for every external system
// call: a per-system circuit breaker, bounded retries with backoff, and a
// registry that reports each system's health.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig holds configuration for the circuit breaker of one
// external system.
type CircuitBreakerConfig struct {
	// Name identifies the external system.
	Name string

	// HalfOpenRequests is how many trial requests pass while half-open.
	// Default: 1
	HalfOpenRequests uint32

	// OpenTimeout is how long the circuit stays open before probing.
	// Default: 60 seconds
	OpenTimeout time.Duration

	// CountInterval clears the failure counts periodically while closed.
	// Default: 0 (counts reset only on state change)
	CountInterval time.Duration

	// MinRequests and FailureRatio trip the circuit once at least MinRequests
	// were made and the failure ratio reaches FailureRatio.
	// Default: 5 requests, 0.5
	MinRequests  uint32
	FailureRatio float64

	// ConsecutiveFailures trips the circuit after that many failures in a
	// row regardless of ratio. Zero disables this rule.
	ConsecutiveFailures uint32

	// OnStateChange is called when the circuit changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig returns the breaker used for external systems.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		HalfOpenRequests:    1,
		OpenTimeout:         60 * time.Second,
		MinRequests:         5,
		FailureRatio:        0.5,
		ConsecutiveFailures: 10,
	}
}

// ShouldTrip reports whether counts trip a circuit configured by c.
func (c CircuitBreakerConfig) ShouldTrip(counts gobreaker.Counts) bool {
	if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}
	if counts.Requests == 0 || counts.Requests < c.MinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	return c
}

// newCircuitBreaker builds the breaker. Rate limiting by the remote system
// does not count as a failure: the system is up, only busy.
func newCircuitBreaker[T any](cfg CircuitBreakerConfig) *gobreaker.CircuitBreaker[T] {
	cfg = cfg.withDefaults()
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.HalfOpenRequests,
		Interval:      cfg.CountInterval,
		Timeout:       cfg.OpenTimeout,
		ReadyToTrip:   cfg.ShouldTrip,
		OnStateChange: cfg.OnStateChange,
		IsSuccessful: func(err error) bool {
			var limited *RateLimitError
			return err == nil || errors.As(err, &limited)
		},
	})
}
