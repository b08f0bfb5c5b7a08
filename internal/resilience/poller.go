package resilience

import (
	"context"
	"fmt"
	"log"
	"time"
)

// PollConfig controls one Poll invocation.
//
// The first FastAttempts checks are spaced InitialInterval apart so short
// operations resolve quickly; after that the schedule lengthens to
// SteadyInterval to bound network chatter on long ones.
type PollConfig struct {
	InitialInterval time.Duration
	SteadyInterval  time.Duration
	FastAttempts    int
	MaxAttempts     int

	// CheckTimeout bounds each individual check call. It should be strictly
	// shorter than the tick interval so a hung call cannot stall the schedule
	// past one extra tick. Zero means no per-check timeout.
	CheckTimeout time.Duration

	// OnProgress is invoked after every check for observability.
	OnProgress func(attempt int)
}

// interval returns the sleep after check number attempt (1-based).
func (c PollConfig) interval(attempt int) time.Duration {
	if attempt <= c.FastAttempts || c.SteadyInterval <= 0 {
		return c.InitialInterval
	}
	return c.SteadyInterval
}

// Poller repeatedly invokes a status check until it reports done, fails
// terminally, times out, or is cancelled. Each Poll registers a polling-kind
// operation in the registry so it can be cancelled by id, kind, or label.
type Poller struct {
	registry *Registry
}

// NewPoller creates a poller backed by the given cancellation registry.
func NewPoller(registry *Registry) *Poller {
	return &Poller{registry: registry}
}

// Poll drives check until done.
//
// check returns (done, err). A nil error with done=false schedules another
// tick. A rejected error stops immediately. A transient error counts as a
// failed attempt but polling continues. Exhausting MaxAttempts without done
// returns ErrTimedOut (never the last transient error, so callers can tell
// "flaky" from "never finished"). Cancelling the registered operation
// interrupts the inter-poll sleep immediately and returns ErrCancelled.
func (p *Poller) Poll(ctx context.Context, operationID, label string, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	op := p.registry.Create(operationID, KindPolling, label)
	opCtx := op.Context()
	// Deregister on every exit path, including caller-context returns.
	// Complete is a no-op for ids already evicted by Cancel.
	defer p.registry.Complete(operationID)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := pollCtxErr(ctx, opCtx); err != nil {
			return err
		}

		done, err := p.runCheck(ctx, opCtx, cfg, check)
		if cfg.OnProgress != nil {
			cfg.OnProgress(attempt)
		}

		switch {
		case err == nil && done:
			return nil
		case err != nil && IsRejected(err):
			// Terminal condition reported by the dependency itself.
			return err
		case err != nil:
			lastErr = err
			log.Printf("poll %s: attempt %d/%d failed: %v", operationID, attempt, cfg.MaxAttempts, err)
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		if err := p.sleepTick(ctx, opCtx, cfg.interval(attempt)); err != nil {
			return err
		}
	}

	if lastErr != nil {
		log.Printf("poll %s: gave up after %d attempts (last error: %v)", operationID, cfg.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrTimedOut, cfg.MaxAttempts)
}

func (p *Poller) runCheck(ctx, opCtx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) (bool, error) {
	checkCtx, cancel := mergeContexts(ctx, opCtx)
	defer cancel()
	if cfg.CheckTimeout > 0 {
		var tcancel context.CancelFunc
		checkCtx, tcancel = context.WithTimeout(checkCtx, cfg.CheckTimeout)
		defer tcancel()
	}
	return check(checkCtx)
}

// sleepTick waits for d, racing against both the caller context and the
// operation's cancellation token so an external cancel resolves the poll
// immediately rather than after the next tick.
func (p *Poller) sleepTick(ctx, opCtx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-opCtx.Done():
		return ctxErr(opCtx)
	}
}

func pollCtxErr(ctx, opCtx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return ctxErr(opCtx)
}

// mergeContexts returns a context cancelled when either input is done,
// preserving the cancellation cause of whichever fired.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() {
		cancel(context.Cause(b))
	})
	return merged, func() {
		stop()
		cancel(nil)
	}
}
