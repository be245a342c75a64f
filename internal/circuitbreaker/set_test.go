package circuitbreaker

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/metrics"
)

var testSetConfig = config.CircuitBreakerConfig{
	WindowSize:       2,
	FailureThreshold: 0.5,
	ResetTimeout:     time.Minute,
	HalfOpenMax:      1,
}

func tripSet(s *Set, target string) {
	b := s.For(target)
	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
}

func TestSet_ForReturnsSameBreaker(t *testing.T) {
	s := NewSet([]string{"http://a/x"}, testSetConfig, slog.Default())

	if s.For("http://a/x") != s.For("http://a/x") {
		t.Fatal("expected the same breaker for the same target")
	}
	if s.For("http://b/y") == nil {
		t.Fatal("expected a breaker to be created for a new target")
	}
	if got := s.Targets(); !reflect.DeepEqual(got, []string{"http://a/x", "http://b/y"}) {
		t.Errorf("unexpected targets %v", got)
	}
}

func TestSet_AllOpen(t *testing.T) {
	s := NewSet([]string{"http://a/x", "http://b/y"}, testSetConfig, slog.Default())

	if s.AllOpen() {
		t.Fatal("fresh set should not be all open")
	}

	tripSet(s, "http://a/x")
	if s.AllOpen() {
		t.Fatal("one closed target keeps the set available")
	}

	tripSet(s, "http://b/y")
	if !s.AllOpen() {
		t.Fatal("expected all targets open")
	}

	states := s.States()
	if states["http://a/x"] != StateOpen || states["http://b/y"] != StateOpen {
		t.Errorf("unexpected states %v", states)
	}
}

func TestSet_EmptyIsNotOpen(t *testing.T) {
	s := NewSet(nil, testSetConfig, slog.Default())
	if s.AllOpen() {
		t.Fatal("empty set must not report all open")
	}
}

func TestSet_UpdateKeepsSurvivorsAndDropsRemoved(t *testing.T) {
	s := NewSet([]string{"http://a/x", "http://b/y"}, testSetConfig, slog.Default())
	tripSet(s, "http://a/x")
	survivor := s.For("http://a/x")

	s.Update([]string{"http://a/x", "http://c/z"}, testSetConfig)

	if s.For("http://a/x") != survivor {
		t.Fatal("surviving target should keep its breaker")
	}
	if survivor.State() != StateOpen {
		t.Fatalf("surviving breaker should keep its state, got %v", survivor.State())
	}
	if got := s.Targets(); !reflect.DeepEqual(got, []string{"http://a/x", "http://c/z"}) {
		t.Errorf("unexpected targets after update %v", got)
	}
}

func TestSet_UpdateDropsStateGaugeOfRemovedTarget(t *testing.T) {
	s := NewSet([]string{"http://keep/g", "http://gone/g"}, testSetConfig, slog.Default())
	before := testutil.CollectAndCount(metrics.CircuitBreakerState)

	s.Update([]string{"http://keep/g"}, testSetConfig)

	if got := testutil.CollectAndCount(metrics.CircuitBreakerState); got != before-1 {
		t.Fatalf("gauge series = %d, want %d", got, before-1)
	}
	if metrics.CircuitBreakerState.DeleteLabelValues("http://gone/g") {
		t.Error("removed target still has a state series")
	}
	if !metrics.CircuitBreakerState.DeleteLabelValues("http://keep/g") {
		t.Error("surviving target lost its state series")
	}
}
