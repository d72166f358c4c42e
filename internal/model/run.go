// Package model defines the core domain types for trapwatch.
//
// Types are shared by the evaluation engine, the state stores, the status
// API and the exporters. JSON field names of the persisted types are part
// of the storage format.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an evaluation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary reports one pass of the runner over all registered traps.
type RunSummary struct {
	RunID       uuid.UUID  `json:"run_id"`
	Status      RunStatus  `json:"status"`
	Traps       int        `json:"traps"`
	Failed      int        `json:"failed"`
	Samples     int        `json:"samples"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunAccepted is the response body for POST /v1/runs.
type RunAccepted struct {
	RunID uuid.UUID `json:"run_id"`
}
