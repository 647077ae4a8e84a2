// Package retry retries transport dials with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	hferrors "github.com/nickman/hfwd/internal/errors"
)

// Config holds retry configuration settings.
type Config struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter is the random jitter factor (0.0 to 1.0).
	Jitter float64
	// MaxAttempts is the maximum number of retries (0 = unlimited).
	MaxAttempts int
}

// DefaultConfig returns the backoff used for transport dials.
func DefaultConfig() *Config {
	return &Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  5,
	}
}

// NotifyFunc is called before each wait with the attempt number (1-based),
// the upcoming delay and the error that caused the retry.
type NotifyFunc func(attempt int, delay time.Duration, err error)

// Retryer tracks attempts and computes backoff delays.
type Retryer struct {
	config   Config
	attempts int
	rng      *rand.Rand
	notify   NotifyFunc
	mu       sync.Mutex
}

// New creates a Retryer. A nil config uses DefaultConfig.
func New(config *Config) *Retryer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Retryer{
		config: *config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnRetry sets the function told about each retry.
func (r *Retryer) OnRetry(fn NotifyFunc) *Retryer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
	return r
}

// Reset resets the retry state.
func (r *Retryer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// Attempts returns the number of retries so far.
func (r *Retryer) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// NextDelay counts an attempt and returns its backoff delay.
func (r *Retryer) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++
	return backoff(r.attempts, r.config, r.rng.Float64)
}

// ShouldRetry returns true if another attempt is allowed.
func (r *Retryer) ShouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.MaxAttempts <= 0 {
		return true
	}
	return r.attempts < r.config.MaxAttempts
}

// Wait sleeps for the next delay. It returns ErrMaxRetries once attempts
// are exhausted and the context error if ctx ends first.
func (r *Retryer) Wait(ctx context.Context) error {
	return r.wait(ctx, nil)
}

func (r *Retryer) wait(ctx context.Context, cause error) error {
	if !r.ShouldRetry() {
		if cause != nil {
			return hferrors.New("retry", hferrors.ErrMaxRetries, cause, fmt.Sprintf("%d attempts", r.Attempts()+1))
		}
		return hferrors.ErrMaxRetries
	}

	delay := r.NextDelay()

	r.mu.Lock()
	notify, attempt := r.notify, r.attempts
	r.mu.Unlock()
	if notify != nil {
		notify(attempt, delay, cause)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, attempts run
// out or ctx ends.
func (r *Retryer) Do(ctx context.Context, fn RetryFunc) error {
	_, err := DoWithResult(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryFuncWithResult is a retryable function producing a value.
type RetryFuncWithResult[T any] func(ctx context.Context) (T, error)

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, r *Retryer, fn RetryFuncWithResult[T]) (T, error) {
	var zero T
	for {
		result, err := fn(ctx)
		if err == nil {
			r.Reset()
			return result, nil
		}

		if !hferrors.IsRetryable(err) {
			return zero, err
		}

		if waitErr := r.wait(ctx, err); waitErr != nil {
			return zero, waitErr
		}
	}
}

// Backoff calculates a delay using exponential backoff with jitter.
func Backoff(attempt int, initialDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt <= 0 {
		return initialDelay
	}
	return backoff(attempt, Config{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		Jitter:       jitter,
	}, rand.Float64)
}

func backoff(attempt int, cfg Config, random func() float64) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if cfg.Jitter > 0 {
		spread := delay * cfg.Jitter
		delay += random()*2*spread - spread
	}

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
