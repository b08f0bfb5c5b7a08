package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/samber/lo"
)

// OperationKind classifies a cancellable operation for bulk cancellation.
type OperationKind string

const (
	KindUpload   OperationKind = "upload"
	KindIndexing OperationKind = "indexing"
	KindPolling  OperationKind = "polling"
)

// errCompleted is the cause used when an operation finishes normally; it lets
// Operation.Cancelled distinguish completion from an abort.
var errCompleted = errors.New("operation completed")

// Operation is one in-flight, abortable unit of work. Its Context is cancelled
// when the operation is aborted or completed; only an abort makes Cancelled
// report true.
type Operation struct {
	ID        string
	Kind      OperationKind
	Label     string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context returns the context tied to this operation's lifetime. Sleeps and
// network calls inside the operation should select against it.
func (o *Operation) Context() context.Context {
	return o.ctx
}

// Cancelled reports whether the operation was aborted (as opposed to still
// running or completed normally).
func (o *Operation) Cancelled() bool {
	return context.Cause(o.ctx) == ErrCancelled
}

// Duration returns how long the operation has been running.
func (o *Operation) Duration() time.Duration {
	return time.Since(o.StartedAt)
}

// Registry issues and tracks cancellation handles for named operations.
// It owns each entry until Cancel or Complete explicitly evicts it; nothing
// is ever dropped while still logically running.
type Registry struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Create registers a fresh operation under id. If an operation with the same
// id is already active it is cancelled and evicted first, so at most one
// operation per id is ever live.
func (r *Registry) Create(id string, kind OperationKind, label string) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.ops[id]; exists {
		old.cancel(ErrCancelled)
		delete(r.ops, id)
		log.Printf("registry: replaced active %s operation %s", old.Kind, id)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	op := &Operation{
		ID:        id,
		Kind:      kind,
		Label:     label,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.ops[id] = op
	return op
}

// Get returns the active operation for id, if any.
func (r *Registry) Get(id string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	return op, ok
}

// Cancel aborts and evicts the operation with the given id. It reports
// whether an active operation was found.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, exists := r.ops[id]
	if !exists {
		return false
	}
	op.cancel(ErrCancelled)
	delete(r.ops, id)
	log.Printf("registry: cancelled %s operation %s", op.Kind, id)
	return true
}

// CancelKind aborts every active operation of the given kind and returns how
// many were cancelled.
func (r *Registry) CancelKind(kind OperationKind) int {
	return r.cancelMatching(func(op *Operation) bool { return op.Kind == kind })
}

// CancelLabel aborts every active operation associated with the given label
// (typically a file name) and returns how many were cancelled.
func (r *Registry) CancelLabel(label string) int {
	return r.cancelMatching(func(op *Operation) bool { return op.Label == label })
}

// CancelAll aborts everything and returns the count.
func (r *Registry) CancelAll() int {
	return r.cancelMatching(func(*Operation) bool { return true })
}

func (r *Registry) cancelMatching(match func(*Operation) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := lo.Filter(lo.Values(r.ops), func(op *Operation, _ int) bool {
		return match(op)
	})
	for _, op := range matched {
		op.cancel(ErrCancelled)
		delete(r.ops, op.ID)
	}
	if len(matched) > 0 {
		log.Printf("registry: bulk-cancelled %d operations", len(matched))
	}
	return len(matched)
}

// Complete evicts the operation without aborting it, for operations that
// finished normally and must stop counting as active.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op, exists := r.ops[id]; exists {
		op.cancel(errCompleted)
		delete(r.ops, id)
	}
}

// Active returns a snapshot of the currently registered operations.
func (r *Registry) Active() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Values(r.ops)
}

// Len returns the number of active operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
