package circuitbreaker

import (
	"sync/atomic"
	"time"
)

// TimeoutBreaker wraps another Breaker and treats slow responses as failures.
// A 2xx poll that took longer than slowThreshold is recorded as a failure on
// the inner breaker. A zero threshold disables the conversion.
type TimeoutBreaker struct {
	inner         Breaker
	slowThreshold atomic.Int64
}

// NewTimeoutBreaker wraps inner and converts successes slower than threshold
// into failures.
func NewTimeoutBreaker(inner Breaker, slowThreshold time.Duration) *TimeoutBreaker {
	t := &TimeoutBreaker{inner: inner}
	t.SetSlowThreshold(slowThreshold)
	return t
}

// SetSlowThreshold changes the latency above which successes count as failures.
func (t *TimeoutBreaker) SetSlowThreshold(d time.Duration) {
	t.slowThreshold.Store(int64(d))
}

func (t *TimeoutBreaker) Allow() bool {
	return t.inner.Allow()
}

func (t *TimeoutBreaker) RecordSuccess(latency time.Duration) {
	if slow := time.Duration(t.slowThreshold.Load()); slow > 0 && latency > slow {
		t.inner.RecordFailure(latency)
		return
	}
	t.inner.RecordSuccess(latency)
}

func (t *TimeoutBreaker) RecordFailure(latency time.Duration) {
	t.inner.RecordFailure(latency)
}

func (t *TimeoutBreaker) State() State {
	return t.inner.State()
}

func (t *TimeoutBreaker) Reset() {
	t.inner.Reset()
}
