package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/kongjwt/internal/metrics"
)

// FailureRateBreaker implements a sliding-window failure-rate circuit breaker.
// It opens when the failure ratio over the most recent windowSize outcomes
// reaches failureThreshold.
type FailureRateBreaker struct {
	mu sync.Mutex

	state  State
	target string
	logger *slog.Logger
	now    func() time.Time

	// Sliding window of outcomes as a ring buffer; true means failed.
	window   []bool
	head     int // next write position
	count    int // number of outcomes recorded (up to windowSize)
	failures int // number of failures in the current window

	windowSize       int
	failureThreshold float64
	resetTimeout     time.Duration
	halfOpenMax      int

	halfOpenSuccess int
	openedAt        time.Time
}

// NewFailureRateBreaker creates a failure-rate circuit breaker for the given poll target.
func NewFailureRateBreaker(target string, windowSize int, failureThreshold float64, resetTimeout time.Duration, halfOpenMax int, logger *slog.Logger) *FailureRateBreaker {
	b := &FailureRateBreaker{
		state:            StateClosed,
		target:           target,
		logger:           logger,
		now:              time.Now,
		window:           make([]bool, windowSize),
		windowSize:       windowSize,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
	metrics.CircuitBreakerState.WithLabelValues(target).Set(float64(StateClosed))
	return b
}

func (b *FailureRateBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *FailureRateBreaker) RecordSuccess(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.recordOutcome(false)
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenMax {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *FailureRateBreaker) RecordFailure(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.recordOutcome(true)
		if b.count >= b.windowSize && b.failureRate() >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *FailureRateBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *FailureRateBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// configure replaces the breaker parameters. A new window size clears the
// recorded outcomes.
func (b *FailureRateBreaker) configure(windowSize int, failureThreshold float64, resetTimeout time.Duration, halfOpenMax int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureThreshold = failureThreshold
	b.resetTimeout = resetTimeout
	b.halfOpenMax = halfOpenMax

	if windowSize != b.windowSize {
		b.window = make([]bool, windowSize)
		b.windowSize = windowSize
		b.head = 0
		b.count = 0
		b.failures = 0
	}
}

// recordOutcome writes a result into the ring buffer and maintains the
// running failure count. Must be called with b.mu held.
func (b *FailureRateBreaker) recordOutcome(failed bool) {
	if b.count == b.windowSize {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}

	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % b.windowSize
}

// failureRate returns the current failure ratio. Must be called with b.mu held.
func (b *FailureRateBreaker) failureRate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *FailureRateBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.target, newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.target).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"target", b.target,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.head = 0
		b.count = 0
		b.failures = 0
		b.halfOpenSuccess = 0
	case StateOpen:
		b.openedAt = b.now()
		b.halfOpenSuccess = 0
	case StateHalfOpen:
		b.halfOpenSuccess = 0
	}
}
