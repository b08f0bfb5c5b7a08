package resilience

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// RetryPolicy controls how Execute retries a failing operation.
// A policy is a plain value and safe to share across calls.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means "retry anything except rejected errors".
	ShouldRetry func(err error) bool

	// OnRetry is invoked before each sleep so callers can log or record
	// the error history. The final error is not reported here.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy matches the backend client defaults: three attempts,
// 500ms initial delay, doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Delay returns the sleep before retry number attempt (1-based):
// min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay).
// Pure so tests can verify the schedule without sleeping.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	// Clamp while still in float space: converting an overflowed product
	// to time.Duration wraps negative and would dodge the cap.
	f := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && f >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if f >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return !IsRejected(err)
}

// RetryExecutor runs fallible operations under a RetryPolicy.
// The zero value is usable; sleep is injectable for tests.
type RetryExecutor struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor returns an executor that sleeps on the real clock,
// interruptible by context cancellation.
func NewRetryExecutor() *RetryExecutor {
	return &RetryExecutor{}
}

// Execute runs fn up to policy.MaxAttempts times. A rejected error, a
// ShouldRetry veto, or attempt exhaustion stops immediately; the error
// returned is the last one observed, never an aggregate. Callers that
// need the full history capture it via OnRetry.
func (e *RetryExecutor) Execute(ctx context.Context, label string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Printf("%s: succeeded on attempt %d/%d", label, attempt, maxAttempts)
			}
			return nil
		}
		lastErr = err

		if attempt == maxAttempts || !policy.shouldRetry(err) {
			return lastErr
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		delay := policy.Delay(attempt)
		log.Printf("%s: attempt %d/%d failed: %v (retrying in %v)", label, attempt, maxAttempts, err, delay)
		if serr := e.sleepFor(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

func (e *RetryExecutor) sleepFor(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	if d <= 0 {
		return ctxErr(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// ctxErr maps context termination onto the shared taxonomy: an explicit
// cancel becomes ErrCancelled, a deadline becomes ErrTimedOut.
func ctxErr(ctx context.Context) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return ErrTimedOut
	case ctx.Err() != nil:
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return cause
		}
		return ErrCancelled
	default:
		return nil
	}
}
