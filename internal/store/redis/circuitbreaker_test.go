package redis

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, coolDown time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, coolDown)
	cb.now = clk.now
	return cb, clk
}

var errFail = errors.New("fail")

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return errFail }); !errors.Is(err, errFail) {
			t.Fatalf("call %d: expected errFail, got %v", i, err)
		}
	}
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %v", cb.CurrentState())
	}
	cb.Execute(func() error { return errFail })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker should reject without calling fn: err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_ProbeAfterCoolDown(t *testing.T) {
	tests := []struct {
		name  string
		probe error
		want  State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errFail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(2, time.Second)
			cb.Execute(func() error { return errFail })
			cb.Execute(func() error { return errFail })

			clk.advance(999 * time.Millisecond)
			if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("expected rejection before cool-down, got %v", err)
			}

			clk.advance(time.Millisecond)
			cb.Execute(func() error { return tt.probe })
			if got := cb.CurrentState(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_FailedProbeRestartsCoolDown(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	cb.Execute(func() error { return errFail })
	clk.advance(time.Second)
	cb.Execute(func() error { return errFail })

	clk.advance(500 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected fresh cool-down after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	if cb.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.Failures())
	}
	cb.Execute(func() error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("expected reset, got %d", cb.Failures())
	}
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	var transitions []string
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	cb.Execute(func() error { return errFail })
	clk.advance(time.Second)
	cb.Execute(func() error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
