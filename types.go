package trapwatch

import (
	"time"

	"github.com/google/uuid"
)

// Sample is one hourly acoustic reading of a steam trap sensor.
type Sample struct {
	Timestamp time.Time
	// Activity is the ultrasonic activity level reported by the sensor.
	Activity   float64
	CycleCount int
	// Temperature and Battery are optional; sensors report them less often.
	Temperature *float64
	Battery     *float64
}

// RunSummary reports one pass over all registered traps.
type RunSummary struct {
	RunID  uuid.UUID
	Status string // "running", "completed" or "failed"
	Traps  int
	// Failed counts traps whose processing stopped with an error. Their
	// state stays at the last successfully published chunk.
	Failed      int
	Samples     int
	StartedAt   time.Time
	CompletedAt time.Time // zero while running
}
