package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int // 0 means unlimited for Backoff; Do treats <1 as a single attempt
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64 // ±jitter fraction (e.g., 0.2 = ±20%)
}

// PublishDefaults returns the delivery policy: one attempt, no retry.
func PublishDefaults() Config {
	return Config{
		MaxAttempts:     1,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Jitter:          0.2,
	}
}

// ReconnectDefaults returns the resubscription policy.
func ReconnectDefaults() Config {
	return Config{
		MaxAttempts:     10,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.2,
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (non-retryable).
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do executes fn with retry logic. It stops retrying when:
// - fn returns nil (success)
// - fn returns a PermanentError
// - MaxAttempts is exhausted
// - ctx is cancelled
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			if err := Sleep(ctx, Delay(attempt, cfg)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// Backoff tracks consecutive failures for a long-running loop.
// It is not safe for concurrent use.
type Backoff struct {
	cfg      Config
	failures int
}

// NewBackoff creates a Backoff with the given policy.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next records a failure and returns the delay before the next attempt.
// ok is false once MaxAttempts consecutive failures have been recorded.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.failures++
	if b.cfg.MaxAttempts > 0 && b.failures >= b.cfg.MaxAttempts {
		return 0, false
	}
	return Delay(b.failures-1, b.cfg), true
}

// Fail records a failure without checking MaxAttempts and returns the delay
// before the next attempt.
func (b *Backoff) Fail() time.Duration {
	b.failures++
	return Delay(b.failures-1, b.cfg)
}

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the number of consecutive failures recorded.
func (b *Backoff) Failures() int {
	return b.failures
}

// Delay returns the jittered exponential delay for the given zero-based attempt.
func Delay(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxInterval) {
		backoff = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
