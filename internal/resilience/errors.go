package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Terminal outcomes shared by the retry executor, poller, and coordinator.
var (
	// ErrCancelled marks a caller-initiated stop. It is a distinct outcome,
	// not a failure of the underlying dependency.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimedOut marks an exhausted attempt budget without the dependency
	// ever reporting completion.
	ErrTimedOut = errors.New("operation timed out")
)

// TransientError wraps a network/timeout/5xx-style failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError wraps a malformed-request/4xx-style failure. Retrying will not help.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %v", e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when a breaker refuses to call its dependency.
// Remaining is the cooldown left before the next probe is allowed.
type CircuitOpenError struct {
	Dependency string
	Remaining  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %v)", e.Dependency, e.Remaining)
}

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Rejected wraps err as non-retryable. Returns nil for nil.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return &RejectedError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err was rejected by the dependency and must not be retried.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}
