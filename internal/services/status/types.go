package status

import (
	"time"

	"docflow-desktop/internal/api"
)

// PipelineStatus is the locally cached view of one backend status row. The
// backend owns the row; this struct only mirrors it, with the derived fields
// recomputed locally because the change feed does not carry them.
type PipelineStatus struct {
	ID              string    `json:"id"`
	Stage           string    `json:"stage"`
	ExtractStage    string    `json:"extract_stage"`
	ValidationStage string    `json:"validation_stage"`
	ItemsCompleted  int       `json:"items_completed"`
	ItemsTotal      int       `json:"items_total"`
	ProgressPercent float64   `json:"progress_percent"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// Overall stage values derived from the extract and validation markers.
const (
	StagePending    = "pending"
	StageIndexing   = "indexing"
	StageIndexed    = "indexed"
	StageValidating = "validating"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// Update is one element of a subscription stream. Deleted marks the terminal
// notification after which no further updates arrive for the id.
type Update struct {
	Status  *PipelineStatus `json:"status,omitempty"`
	Deleted bool            `json:"deleted"`
}

// fromRecord converts an authoritative read into the cached shape.
func fromRecord(rec *api.StatusRecord) *PipelineStatus {
	st := &PipelineStatus{
		ID:              rec.ID,
		ExtractStage:    rec.ExtractStage,
		ValidationStage: rec.ValidationStage,
		ItemsCompleted:  rec.ItemsCompleted,
		ItemsTotal:      rec.ItemsTotal,
		LastUpdatedAt:   rec.LastUpdatedAt,
	}
	st.recompute()
	return st
}

// recompute refreshes the derived fields from the raw markers.
func (s *PipelineStatus) recompute() {
	s.ProgressPercent = progressPercent(s.ItemsCompleted, s.ItemsTotal)
	s.Stage = overallStage(s.ExtractStage, s.ValidationStage)
}

func progressPercent(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(completed) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func overallStage(extract, validation string) string {
	switch {
	case extract == api.StageFailed || validation == api.StageFailed:
		return StageFailed
	case validation == api.StageCompleted:
		return StageCompleted
	case validation == api.StageRunning:
		return StageValidating
	case extract == api.StageCompleted:
		return StageIndexed
	case extract == api.StageRunning:
		return StageIndexing
	default:
		return StagePending
	}
}

func (s *PipelineStatus) clone() *PipelineStatus {
	c := *s
	return &c
}
