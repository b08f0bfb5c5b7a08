package resilience

import (
	"context"
	"log"
	"sync"
	"time"
)

// BreakerState is the classic three-state circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards one external dependency. One instance is shared by
// every caller of that dependency so failures accumulate globally; construct
// it at startup and inject it, never per call site.
type CircuitBreaker struct {
	dependency       string
	failureThreshold int
	resetTimeout     time.Duration

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailureAt time.Time
	probing       bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(dependency string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		dependency:       dependency,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute calls fn through the breaker.
//
// Open + cooldown not elapsed: fn is never invoked and a CircuitOpenError
// carrying the remaining cooldown is returned. Open + cooldown elapsed:
// exactly one caller transitions to half-open and probes; concurrent callers
// keep failing fast until the probe resolves. A probe success closes the
// breaker and resets the failure count; a probe failure reopens it and
// refreshes the cooldown.
func (cb *CircuitBreaker) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	if err := cb.beforeCall(label); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterCall(label, err)
	return err
}

func (cb *CircuitBreaker) beforeCall(label string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastFailureAt)
		if elapsed < cb.resetTimeout {
			return &CircuitOpenError{
				Dependency: cb.dependency,
				Remaining:  cb.resetTimeout - elapsed,
			}
		}
		// Cooldown elapsed. Exactly one probe goes through.
		cb.state = StateHalfOpen
		cb.probing = true
		log.Printf("circuit %s: half-open, probing with %s", cb.dependency, label)
		return nil
	}

	if cb.state == StateHalfOpen {
		if cb.probing {
			return &CircuitOpenError{Dependency: cb.dependency, Remaining: 0}
		}
		cb.probing = true
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) afterCall(label string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	if wasProbe {
		cb.probing = false
	}

	if err == nil {
		if cb.state != StateClosed {
			log.Printf("circuit %s: closed after successful %s", cb.dependency, label)
		}
		cb.failureCount = 0
		cb.state = StateClosed
		return
	}

	cb.failureCount++
	cb.lastFailureAt = cb.now()

	if wasProbe {
		cb.state = StateOpen
		log.Printf("circuit %s: probe %s failed, reopening: %v", cb.dependency, label, err)
		return
	}

	if cb.failureCount >= cb.failureThreshold && cb.state != StateOpen {
		cb.state = StateOpen
		log.Printf("circuit %s: open after %d consecutive failures (last: %v)", cb.dependency, cb.failureCount, err)
	}
}
