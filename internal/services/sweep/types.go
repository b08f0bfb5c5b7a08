package sweep

import (
	"context"
	"time"
)

// Advancer is the stateless endpoint the sweep calls on every tick. The
// returned count is informational only and never drives control flow.
// Satisfied by api.Client.
type Advancer interface {
	AdvancePending(ctx context.Context) (int, error)
}

// Status is a snapshot of the sweep loop for the frontend.
type Status struct {
	Enabled      bool       `json:"enabled"`
	Cron         string     `json:"cron"`
	Busy         bool       `json:"busy"`
	Iterations   int        `json:"iterations"`
	LastAdvanced int        `json:"last_advanced"`
	LastRunAt    *time.Time `json:"last_run_at"`
}
