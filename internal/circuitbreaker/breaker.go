// Package circuitbreaker provides the per-target circuit breakers the poller
// uses to skip endpoints that keep failing.
package circuitbreaker

import "time"

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; polls go out.
	StateOpen                  // Failing; polls are skipped.
	StateHalfOpen              // Probing; a limited number of polls test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is the common interface for all circuit breaker types.
type Breaker interface {
	// Allow reports whether a poll may proceed. Returns false when the
	// circuit is open and the poll should be skipped.
	Allow() bool

	// RecordSuccess records a 2xx response with its latency.
	RecordSuccess(latency time.Duration)

	// RecordFailure records a non-2xx response or transport error with its latency.
	RecordFailure(latency time.Duration)

	// State returns the current circuit breaker state.
	State() State

	// Reset forces the breaker back to closed state.
	Reset()
}
