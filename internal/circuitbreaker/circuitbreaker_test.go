package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	hferrors "github.com/nickman/hfwd/internal/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := New("db:5432", &Config{
		MaxFailures:         maxFailures,
		Timeout:             timeout,
		MaxHalfOpenRequests: 1,
	})
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxFailures != 5 {
		t.Errorf("expected MaxFailures 5, got %d", cfg.MaxFailures)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", cfg.Timeout)
	}
	if cfg.MaxHalfOpenRequests != 1 {
		t.Errorf("expected MaxHalfOpenRequests 1, got %d", cfg.MaxHalfOpenRequests)
	}

	cb := New("x", nil)
	if cb.State() != StateClosed || !cb.Allow() {
		t.Error("new breaker should be closed and allow requests")
	}
	if cb.Name() != "x" {
		t.Errorf("expected name x, got %s", cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Error("should still be closed after 2 failures")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker should not allow requests")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Error("non-consecutive failures should not open the circuit")
	}
}

func TestCircuitBreaker_HalfOpenCycle(t *testing.T) {
	tests := []struct {
		name     string
		trial    func(cb *CircuitBreaker)
		expected State
	}{
		{"success closes", (*CircuitBreaker).RecordSuccess, StateClosed},
		{"failure reopens", (*CircuitBreaker).RecordFailure, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, time.Second)
			cb.RecordFailure()

			clock.Advance(500 * time.Millisecond)
			if cb.State() != StateOpen {
				t.Fatal("should still be open before timeout")
			}

			clock.Advance(600 * time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("expected half-open after timeout, got %v", cb.State())
			}
			if !cb.Allow() {
				t.Fatal("half-open should allow one trial")
			}
			if cb.Allow() {
				t.Fatal("half-open should allow only one trial")
			}

			tt.trial(cb)
			if cb.State() != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	boom := errors.New("refused")

	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Errorf("expected underlying error, got %v", err)
		}
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("fn must not run while open")
	}
	if !errors.Is(err, hferrors.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	err := cb.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Error("cancellation must not open the circuit")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	cb.RecordFailure()

	stats := cb.Stats()
	if stats.State != StateOpen || stats.Name != "db:5432" || stats.LastFailureTime.IsZero() {
		t.Errorf("unexpected stats %+v", stats)
	}

	cb.Reset()
	if cb.State() != StateClosed || cb.Stats().Failures != 0 {
		t.Error("reset should close the circuit and clear failures")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)

	var transitions []State
	cb.SetOnStateChange(func(name string, from, to State) {
		if name != "db:5432" {
			t.Errorf("unexpected name %s", name)
		}
		transitions = append(transitions, to)
	})

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	cb.Allow()
	cb.RecordSuccess()

	expected := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("transition %d: expected %v, got %v", i, expected[i], transitions[i])
		}
	}
}

func TestGroup(t *testing.T) {
	var mu sync.Mutex
	trips := map[string]int{}
	g := NewGroup(&Config{MaxFailures: 1, Timeout: time.Minute}, func(name string, from, to State) {
		if to == StateOpen {
			mu.Lock()
			trips[name]++
			mu.Unlock()
		}
	})

	a := g.Get("a:1")
	if g.Get("a:1") != a {
		t.Error("expected the same breaker for the same key")
	}
	b := g.Get("b:2")

	a.RecordFailure()
	if a.State() != StateOpen || b.State() != StateClosed {
		t.Error("breakers for different keys must be independent")
	}
	if trips["a:1"] != 1 {
		t.Errorf("expected one trip for a:1, got %d", trips["a:1"])
	}

	stats := g.Stats()
	if len(stats) != 2 || stats[0].Name != "a:1" || stats[1].Name != "b:2" {
		t.Errorf("unexpected group stats %+v", stats)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
