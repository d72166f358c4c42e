package model

import "time"

// OutputRecord is the evaluation result for one input sample. Loss figures
// are cumulative. TotalLossKg keeps full precision because downstream
// per-sample deltas are derived from it; the other figures are rounded for
// presentation.
type OutputRecord struct {
	Timestamp    time.Time  `json:"timestamp"`
	Activity     float64    `json:"activity"`
	CycleCount   int        `json:"cycleCount"`
	SampleType   SampleType `json:"sampleType"`
	Status       Status     `json:"status"`
	ConfigIndex  int        `json:"configIndex"`
	TotalLossKg  float64    `json:"totalLossKg"`
	TotalLossKwh float64    `json:"totalLossKwh"`
	TotalLossCo2 float64    `json:"totalLossCo2"`
	MeanIntLeak  float64    `json:"meanIntLeak"`
	NoiseFactor  float64    `json:"noiseFactor"` // percent
	Temperature  *float64   `json:"temperature"`
	Battery      *float64   `json:"battery"`
}

// TrapSnapshot is the persisted view of one trap: its latest state plus the
// bookkeeping the status API reports.
type TrapSnapshot struct {
	TrapID    string        `json:"trap_id"`
	State     RetainedState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}
