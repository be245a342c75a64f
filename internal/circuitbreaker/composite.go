package circuitbreaker

import (
	"log/slog"
	"time"

	"github.com/dskow/kongjwt/internal/config"
)

// CompositeBreaker layers slow-call detection over a failure-rate breaker.
// The poller interacts only with CompositeBreaker.
type CompositeBreaker struct {
	failureRate *FailureRateBreaker
	timeout     *TimeoutBreaker
}

// NewComposite builds the breaker stack for one poll target.
func NewComposite(target string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CompositeBreaker {
	fr := NewFailureRateBreaker(target, cfg.WindowSize, cfg.FailureThreshold, cfg.ResetTimeout, cfg.HalfOpenMax, logger)
	return &CompositeBreaker{
		failureRate: fr,
		timeout:     NewTimeoutBreaker(fr, cfg.SlowThreshold),
	}
}

func (c *CompositeBreaker) Allow() bool {
	return c.timeout.Allow()
}

func (c *CompositeBreaker) RecordSuccess(latency time.Duration) {
	c.timeout.RecordSuccess(latency)
}

func (c *CompositeBreaker) RecordFailure(latency time.Duration) {
	c.timeout.RecordFailure(latency)
}

// State returns the core failure-rate breaker's state.
func (c *CompositeBreaker) State() State {
	return c.failureRate.State()
}

func (c *CompositeBreaker) Reset() {
	c.timeout.Reset()
}

// UpdateConfig applies new breaker parameters at runtime (config hot-reload).
func (c *CompositeBreaker) UpdateConfig(cfg config.CircuitBreakerConfig) {
	c.failureRate.configure(cfg.WindowSize, cfg.FailureThreshold, cfg.ResetTimeout, cfg.HalfOpenMax)
	c.timeout.SetSlowThreshold(cfg.SlowThreshold)
}
