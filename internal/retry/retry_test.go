package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	hferrors "github.com/nickman/hfwd/internal/errors"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  maxAttempts,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.InitialDelay != 500*time.Millisecond {
		t.Errorf("expected InitialDelay 500ms, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("expected MaxDelay 30s, got %v", cfg.MaxDelay)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts 5, got %d", cfg.MaxAttempts)
	}
}

func TestRetryer_NextDelay(t *testing.T) {
	r := New(&Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
	})

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, want := range expected {
		if got := r.NextDelay(); got != want {
			t.Errorf("delay %d: expected %v, got %v", i+1, want, got)
		}
	}
	if r.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", r.Attempts())
	}
	r.Reset()
	if r.Attempts() != 0 {
		t.Errorf("expected 0 attempts after reset, got %d", r.Attempts())
	}
}

func TestRetryer_NextDelay_WithJitter(t *testing.T) {
	r := New(&Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	})

	d := r.NextDelay()
	if d < 50*time.Millisecond || d > 150*time.Millisecond {
		t.Errorf("expected delay between 50ms and 150ms, got %v", d)
	}
}

func TestRetryer_ShouldRetry(t *testing.T) {
	t.Run("unlimited retries", func(t *testing.T) {
		r := New(fastConfig(0))
		for i := 0; i < 100; i++ {
			if !r.ShouldRetry() {
				t.Fatal("unlimited retries should always return true")
			}
			r.NextDelay()
		}
	})

	t.Run("limited retries", func(t *testing.T) {
		r := New(fastConfig(2))
		r.NextDelay()
		r.NextDelay()
		if r.ShouldRetry() {
			t.Error("should not retry after max attempts")
		}
	})
}

func TestRetryer_Wait(t *testing.T) {
	t.Run("returns error on max retries", func(t *testing.T) {
		r := New(fastConfig(1))
		r.NextDelay()
		if err := r.Wait(context.Background()); !errors.Is(err, hferrors.ErrMaxRetries) {
			t.Errorf("expected ErrMaxRetries, got %v", err)
		}
	})

	t.Run("returns error on context cancel", func(t *testing.T) {
		r := New(&Config{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2})
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		if err := r.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestRetryer_Do(t *testing.T) {
	t.Run("retries retryable errors", func(t *testing.T) {
		var notified []int
		r := New(fastConfig(3)).OnRetry(func(attempt int, delay time.Duration, err error) {
			notified = append(notified, attempt)
			if !errors.Is(err, hferrors.ErrTransportUnavailable) {
				t.Errorf("unexpected cause %v", err)
			}
		})

		calls := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return hferrors.ErrTransportUnavailable
			}
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
		if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
			t.Errorf("unexpected notifications %v", notified)
		}
		if r.Attempts() != 0 {
			t.Error("success should reset attempts")
		}
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		r := New(fastConfig(5))
		calls := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return hferrors.ErrHandshakeFailed
		})
		if !errors.Is(err, hferrors.ErrHandshakeFailed) {
			t.Errorf("expected ErrHandshakeFailed, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("gives up with last error wrapped", func(t *testing.T) {
		r := New(fastConfig(2))
		calls := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return hferrors.ErrTransportUnavailable
		})
		if !errors.Is(err, hferrors.ErrMaxRetries) {
			t.Errorf("expected ErrMaxRetries, got %v", err)
		}
		if !errors.Is(err, hferrors.ErrTransportUnavailable) {
			t.Errorf("expected last error to be wrapped, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})
}

func TestDoWithResult(t *testing.T) {
	r := New(fastConfig(3))
	calls := 0
	got, err := DoWithResult(context.Background(), r, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", hferrors.ErrTransportClosed
		}
		return "session", nil
	})
	if err != nil || got != "session" {
		t.Errorf("expected session, got %q, %v", got, err)
	}
}

func TestBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 300 * time.Millisecond

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, initial},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{10, max},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, initial, max, 2.0, 0); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
