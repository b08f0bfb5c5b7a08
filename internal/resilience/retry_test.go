package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetryExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("Should succeed on first attempt without retrying", func(t *testing.T) {
		attempts := 0
		err := NewRetryExecutor().Execute(ctx, "op", fastPolicy(3), func(context.Context) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Should invoke exactly maxAttempts times when always failing", func(t *testing.T) {
		attempts := 0
		failure := errors.New("boom")
		err := NewRetryExecutor().Execute(ctx, "op", fastPolicy(4), func(context.Context) error {
			attempts++
			return failure
		})

		assert.Error(t, err)
		assert.Equal(t, 4, attempts)
	})

	t.Run("Should return the last observed error, not an aggregate", func(t *testing.T) {
		attempts := 0
		errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}
		err := NewRetryExecutor().Execute(ctx, "op", fastPolicy(3), func(context.Context) error {
			err := errs[attempts]
			attempts++
			return err
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, errs[2])
		assert.NotContains(t, err.Error(), "first")
	})

	t.Run("Should stop immediately when ShouldRetry vetoes", func(t *testing.T) {
		attempts := 0
		policy := fastPolicy(5)
		policy.ShouldRetry = func(error) bool { return false }

		err := NewRetryExecutor().Execute(ctx, "op", policy, func(context.Context) error {
			attempts++
			return errors.New("not worth retrying")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Should not retry rejected errors by default", func(t *testing.T) {
		attempts := 0
		err := NewRetryExecutor().Execute(ctx, "op", fastPolicy(5), func(context.Context) error {
			attempts++
			return Rejected(errors.New("malformed request"))
		})

		assert.True(t, IsRejected(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("Should expose error history via OnRetry", func(t *testing.T) {
		var history []error
		policy := fastPolicy(3)
		policy.OnRetry = func(attempt int, err error) {
			history = append(history, err)
		}

		attempts := 0
		err := NewRetryExecutor().Execute(ctx, "op", policy, func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Len(t, history, 2, "OnRetry fires before each retry, not for the final outcome")
	})

	t.Run("Should stop sleeping when context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		policy := fastPolicy(3)
		policy.InitialDelay = time.Minute

		attempts := 0
		start := time.Now()
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := NewRetryExecutor().Execute(cctx, "op", policy, func(context.Context) error {
			attempts++
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, 1, attempts)
		assert.Less(t, time.Since(start), 5*time.Second, "cancel must interrupt the backoff sleep")
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Run("Should follow min(initial*mult^(k-1), max)", func(t *testing.T) {
		policy := RetryPolicy{
			InitialDelay:      100 * time.Millisecond,
			MaxDelay:          2 * time.Second,
			BackoffMultiplier: 2,
		}

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{1, 100 * time.Millisecond},
			{2, 200 * time.Millisecond},
			{3, 400 * time.Millisecond},
			{4, 800 * time.Millisecond},
			{5, 1600 * time.Millisecond},
			{6, 2 * time.Second},
			{10, 2 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, policy.Delay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("Should treat multiplier below 1 as flat backoff", func(t *testing.T) {
		policy := RetryPolicy{InitialDelay: 50 * time.Millisecond, BackoffMultiplier: 0}
		assert.Equal(t, 50*time.Millisecond, policy.Delay(1))
		assert.Equal(t, 50*time.Millisecond, policy.Delay(7))
	})

	t.Run("Should clamp attempt below 1", func(t *testing.T) {
		policy := RetryPolicy{InitialDelay: 50 * time.Millisecond, BackoffMultiplier: 2}
		assert.Equal(t, 50*time.Millisecond, policy.Delay(0))
	})

	t.Run("Should hold MaxDelay even when the product overflows Duration", func(t *testing.T) {
		policy := RetryPolicy{
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		}

		// 1s * 2^39 is far past MaxInt64 nanoseconds; an unclamped
		// conversion would wrap negative and skip the cap entirely.
		assert.Equal(t, 30*time.Second, policy.Delay(34))
		assert.Equal(t, 30*time.Second, policy.Delay(40))
		assert.Equal(t, 30*time.Second, policy.Delay(500))
	})

	t.Run("Should never go negative without a MaxDelay", func(t *testing.T) {
		policy := RetryPolicy{InitialDelay: time.Second, BackoffMultiplier: 2}
		assert.Positive(t, policy.Delay(200))
	})
}
