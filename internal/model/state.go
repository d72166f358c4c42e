package model

import (
	"slices"
	"time"
)

// WindowEntry is one active sample kept in the rolling noise window.
// The two score fields are recomputed in place as the window slides.
type WindowEntry struct {
	Timestamp          time.Time  `json:"timestamp"`
	Activity           float64    `json:"activity"`
	CycleCount         int        `json:"cycleCount"`
	SampleType         SampleType `json:"sampleType"`
	InHighCycleTriplet bool       `json:"inHighCycleTriplet"`
	LowCycleScore      float64    `json:"lowCycleScore"`
}

// TailEntry records one recently processed sample. The tail is how a
// resumed run finds where the previous run stopped.
type TailEntry struct {
	Timestamp   time.Time  `json:"timestamp"`
	Activity    float64    `json:"activity"`
	CycleCount  int        `json:"cycleCount"`
	SampleType  SampleType `json:"sampleType"`
	Temperature *float64   `json:"temperature"`
	TotalLossKg float64    `json:"totalLossKg"`
}

// RetainedState is everything the evaluation carries from one sample to the
// next, and from one run to the next.
type RetainedState struct {
	Status         Status        `json:"status"`
	TotalLossKg    float64       `json:"totalLossKg"`
	TotalLossKwh   float64       `json:"totalLossKwh"`
	TotalLossCo2   float64       `json:"totalLossCo2"`
	HoursOfLeaking int           `json:"hoursOfLeaking"`
	LastConfigIdx  *int          `json:"lastConfigIndex"`
	Window         []WindowEntry `json:"window"`
	Tail           []TailEntry   `json:"tail"`
}

// NewRetainedState returns the state of a trap that has never been evaluated.
func NewRetainedState() RetainedState {
	return RetainedState{
		Status: StatusUndefined,
		Window: []WindowEntry{},
		Tail:   []TailEntry{{}},
	}
}

// Clone returns a deep copy that shares no memory with s.
func (s RetainedState) Clone() RetainedState {
	out := s
	if s.LastConfigIdx != nil {
		idx := *s.LastConfigIdx
		out.LastConfigIdx = &idx
	}
	out.Window = slices.Clone(s.Window)
	if out.Window == nil {
		out.Window = []WindowEntry{}
	}
	out.Tail = make([]TailEntry, len(s.Tail))
	for i, e := range s.Tail {
		if e.Temperature != nil {
			t := *e.Temperature
			e.Temperature = &t
		}
		out.Tail[i] = e
	}
	return out
}

// LastSample returns the newest tail entry that stems from a real sample.
// The zero-valued placeholder of a fresh state is skipped.
func (s RetainedState) LastSample() (TailEntry, bool) {
	for i := len(s.Tail) - 1; i >= 0; i-- {
		if !s.Tail[i].Timestamp.IsZero() {
			return s.Tail[i], true
		}
	}
	return TailEntry{}, false
}

// MeanIntLeak is the average loss per leaking hour in kg/h.
func (s RetainedState) MeanIntLeak() float64 {
	if s.HoursOfLeaking == 0 {
		return 0
	}
	return s.TotalLossKg / float64(s.HoursOfLeaking)
}
