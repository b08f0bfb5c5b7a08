package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	failure := errors.New("dependency down")

	failingCall := func(context.Context) error { return failure }
	okCall := func(context.Context) error { return nil }

	newBreakerAt := func(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
		cb := NewCircuitBreaker("workflow-engine", threshold, reset)
		now := time.Now()
		cb.now = func() time.Time { return now }
		return cb, &now
	}

	t.Run("Should stay closed below the failure threshold", func(t *testing.T) {
		cb, _ := newBreakerAt(3, time.Minute)

		assert.Error(t, cb.Execute(ctx, "trigger", failingCall))
		assert.Error(t, cb.Execute(ctx, "trigger", failingCall))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("Should open after exactly threshold consecutive failures", func(t *testing.T) {
		cb, _ := newBreakerAt(3, time.Minute)

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, "trigger", failingCall))
		}
		assert.Equal(t, StateOpen, cb.State())

		invoked := false
		err := cb.Execute(ctx, "trigger", func(context.Context) error {
			invoked = true
			return nil
		})

		assert.True(t, IsCircuitOpen(err))
		assert.False(t, invoked, "open breaker must never invoke the wrapped function")
	})

	t.Run("Should report remaining cooldown in the open error", func(t *testing.T) {
		cb, now := newBreakerAt(1, time.Minute)
		require.Error(t, cb.Execute(ctx, "trigger", failingCall))

		*now = now.Add(10 * time.Second)
		err := cb.Execute(ctx, "trigger", okCall)

		var oe *CircuitOpenError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, 50*time.Second, oe.Remaining)
	})

	t.Run("Should close again after a successful half-open probe", func(t *testing.T) {
		cb, now := newBreakerAt(2, time.Minute)
		require.Error(t, cb.Execute(ctx, "trigger", failingCall))
		require.Error(t, cb.Execute(ctx, "trigger", failingCall))
		require.Equal(t, StateOpen, cb.State())

		*now = now.Add(time.Minute)
		assert.NoError(t, cb.Execute(ctx, "trigger", okCall))
		assert.Equal(t, StateClosed, cb.State())

		// Failure counter was reset by the probe success.
		assert.Error(t, cb.Execute(ctx, "trigger", failingCall))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("Should reopen and refresh cooldown when the probe fails", func(t *testing.T) {
		cb, now := newBreakerAt(1, time.Minute)
		require.Error(t, cb.Execute(ctx, "trigger", failingCall))

		*now = now.Add(time.Minute)
		assert.Error(t, cb.Execute(ctx, "trigger", failingCall))
		assert.Equal(t, StateOpen, cb.State())

		// Cooldown restarts from the probe failure.
		*now = now.Add(30 * time.Second)
		err := cb.Execute(ctx, "trigger", okCall)
		assert.True(t, IsCircuitOpen(err))
	})

	t.Run("Should allow exactly one probe through under concurrency", func(t *testing.T) {
		cb, now := newBreakerAt(1, time.Minute)
		require.Error(t, cb.Execute(ctx, "trigger", failingCall))
		*now = now.Add(time.Minute)

		var invoked int32
		release := make(chan struct{})
		start := sync.WaitGroup{}
		done := sync.WaitGroup{}
		rejected := int32(0)

		for i := 0; i < 8; i++ {
			start.Add(1)
			done.Add(1)
			go func() {
				defer done.Done()
				start.Done()
				start.Wait()
				err := cb.Execute(ctx, "trigger", func(context.Context) error {
					atomic.AddInt32(&invoked, 1)
					<-release
					return nil
				})
				if IsCircuitOpen(err) {
					atomic.AddInt32(&rejected, 1)
				}
			}()
		}

		// Let the goroutines race into beforeCall, then release the probe.
		time.Sleep(50 * time.Millisecond)
		close(release)
		done.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&invoked), "only the probe may reach the dependency")
		assert.Equal(t, int32(7), atomic.LoadInt32(&rejected))
		assert.Equal(t, StateClosed, cb.State())
	})
}
