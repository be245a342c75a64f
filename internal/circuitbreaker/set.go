package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/metrics"
)

// Set holds one CompositeBreaker per poll target.
type Set struct {
	mu       sync.RWMutex
	cfg      config.CircuitBreakerConfig
	breakers map[string]*CompositeBreaker
	logger   *slog.Logger
}

// NewSet creates breakers for targets using cfg.
func NewSet(targets []string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *Set {
	s := &Set{
		cfg:      cfg,
		breakers: make(map[string]*CompositeBreaker, len(targets)),
		logger:   logger,
	}
	for _, t := range targets {
		s.breakers[t] = NewComposite(t, cfg, logger)
	}
	return s
}

// For returns the breaker for target, creating one if the target is new.
func (s *Set) For(target string) *CompositeBreaker {
	s.mu.RLock()
	b, ok := s.breakers[target]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[target]; ok {
		return b
	}
	b = NewComposite(target, s.cfg, s.logger)
	s.breakers[target] = b
	return b
}

// Update applies cfg to every breaker and drops breakers for targets that
// are no longer polled, along with their state gauge series. Breakers of
// surviving targets keep their state.
func (s *Set) Update(targets []string, cfg config.CircuitBreakerConfig) {
	keep := make(map[string]bool, len(targets))
	for _, t := range targets {
		keep[t] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	for t, b := range s.breakers {
		if !keep[t] {
			delete(s.breakers, t)
			metrics.CircuitBreakerState.DeleteLabelValues(t)
			continue
		}
		b.UpdateConfig(cfg)
	}
	for t := range keep {
		if _, ok := s.breakers[t]; !ok {
			s.breakers[t] = NewComposite(t, cfg, s.logger)
		}
	}
}

// States returns the current state of every breaker keyed by target.
func (s *Set) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]State, len(s.breakers))
	for t, b := range s.breakers {
		out[t] = b.State()
	}
	return out
}

// Targets returns the targets with a breaker, sorted.
func (s *Set) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.breakers))
	for t := range s.breakers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AllOpen reports whether every breaker is open. An empty set is not open.
func (s *Set) AllOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.breakers) == 0 {
		return false
	}
	for _, b := range s.breakers {
		if b.State() != StateOpen {
			return false
		}
	}
	return true
}
