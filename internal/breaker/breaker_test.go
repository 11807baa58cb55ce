package breaker

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

// fakeClock lets tests step past the cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	b := New("test", maxFailures, time.Second)
	b.now = clk.now
	return b, clk
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", b.CurrentState())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if b.CurrentState() != StateOpen {
		t.Fatalf("expected Open after 3 failures, got %v", b.CurrentState())
	}

	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != ErrOpen {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(2)
	var transitions []State
	b.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }

	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })
	clk.advance(2 * time.Second)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", b.CurrentState())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })
	clk.advance(2 * time.Second)

	b.Execute(func() error { return errFail })
	if b.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", b.CurrentState())
	}
	if err := b.Execute(func() error { return nil }); err != ErrOpen {
		t.Errorf("expected ErrOpen right after reopening, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })

	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed (counter should have reset), got %v", b.CurrentState())
	}
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errBadRequest := errors.New("bad symbol")
	b, _ := newTestBreaker(1)
	b.IsFailure = func(err error) bool { return !errors.Is(err, errBadRequest) }

	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return errBadRequest }); err != errBadRequest {
			t.Fatalf("expected errBadRequest passthrough, got %v", err)
		}
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("request errors must not open the breaker, got %v", b.CurrentState())
	}
}
