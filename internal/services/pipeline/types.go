package pipeline

import (
	"context"

	"docflow-desktop/internal/api"
	"docflow-desktop/internal/services/status"
	"docflow-desktop/internal/services/upload"
)

// Run states. A run moves strictly forward through the non-terminal states;
// Failed is reachable from any non-terminal state, TimedOut only from
// Indexing, Cancelled from any suspension point.
const (
	StateCreated              = "created"
	StateUploading            = "uploading"
	StateIndexing             = "indexing"
	StateIndexReady           = "index_ready"
	StateValidationTriggering = "validation_triggering"
	StateValidationRunning    = "validation_running"
	StateCompleted            = "completed"
	StateFailed               = "failed"
	StateTimedOut             = "timed_out"
	StateCancelled            = "cancelled"
)

// IsTerminal reports whether a run in the given state will never transition
// again.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// RunProgress is the in-memory (and event-emitted) view of one pipeline run.
type RunProgress struct {
	RunID       string   `json:"run_id"`
	EntityID    string   `json:"entity_id"`
	State       string   `json:"state"`
	Progress    int      `json:"progress"` // 0-100
	Messages    []string `json:"messages"`
	FileNames   []string `json:"file_names"`
	Error       string   `json:"error,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// Uploader stores a batch of files for an entity. Satisfied by
// upload.Service.
type Uploader interface {
	UploadFiles(ctx context.Context, entityID string, filePaths []string, onProgress upload.ProgressFunc) ([]upload.Result, error)
	CancelEntity(entityID string) int
}

// Engine is the workflow-engine surface the coordinator drives: it reads
// indexing status and requests validation. Satisfied by api.Client.
// TriggerValidation is acceptance-only; completion arrives later through the
// status record.
type Engine interface {
	GetPipelineStatus(ctx context.Context, entityID string) (*api.StatusRecord, error)
	TriggerValidation(ctx context.Context, req api.TriggerRequest) error
}

// Watcher observes the authoritative status record after validation has been
// accepted. Validation executes remotely; the coordinator only watches for
// its completion. Satisfied by status.Reconciler. Nil means the run parks in
// validation_running and later observation is up to the caller.
type Watcher interface {
	Subscribe(ctx context.Context, entityID string) (<-chan status.Update, error)
	Unsubscribe(entityID string, ch <-chan status.Update)
}

// EmitFunc publishes a run progress snapshot to the frontend. Nil disables
// emission.
type EmitFunc func(event string, payload map[string]interface{})
