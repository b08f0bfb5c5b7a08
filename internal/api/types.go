package api

import "time"

// StatusRecord mirrors one row of the backend's pipeline status table. The
// backend owns it; this client only ever holds a read-through view.
type StatusRecord struct {
	ID              string    `json:"id"`
	ExtractStage    string    `json:"extractStage"`    // pending, running, completed, failed
	ValidationStage string    `json:"validationStage"` // pending, running, completed, failed
	ItemsCompleted  int       `json:"itemsCompleted"`
	ItemsTotal      int       `json:"itemsTotal"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
}

// Stage marker values used by the backend.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// TriggerRequest asks the workflow engine to start validation for an entity.
// The engine responds 202-style: acceptance only, completion arrives later
// through the status table.
type TriggerRequest struct {
	EntityID       string   `json:"entityId"`
	InputLocations []string `json:"inputLocations"`
}

// AdvanceResponse is returned by the background-sweep endpoint. The count is
// informational only and never drives control flow.
type AdvanceResponse struct {
	Advanced int `json:"advanced"`
}
