package resilience

import (
	"errors"
	"testing"
)

func TestPermanentAbortsFallbackWalk(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	denied := errors.New("access denied")
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return Permanent(denied)
	})
	if !errors.Is(err, denied) {
		t.Fatalf("err = %v, want the wrapped cause", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("permanent error was wrapped in ErrAllFailed")
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want the walk to stop at the primary", tried)
	}
}

func TestPermanentSkipsBreakerAccounting(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "p", MaxFailures: 2})

	for range 5 {
		_ = cb.Execute(func() error { return Permanent(errTest) })
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v after permanent errors, want closed", got)
	}

	// Real failures still trip it.
	for range 2 {
		_ = cb.Execute(func() error { return errTest })
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v after real failures, want open", got)
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errTest) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(Permanent(errTest)) {
		t.Error("wrapped error not reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}
