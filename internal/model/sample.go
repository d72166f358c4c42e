package model

import (
	"fmt"
	"math"
	"time"
)

// SampleType is the activity category of one sensor reading. The ordinal
// values are persisted and published, so they must not be renumbered.
type SampleType int

const (
	SampleCold SampleType = iota
	SampleFlooded
	SampleLoActive
	SampleMidActive
	SampleHiActive
	SampleExtraHiActive
)

var sampleTypeNames = [...]string{"cold", "flooded", "lo_active", "mid_active", "hi_active", "extra_hi_active"}

func (t SampleType) String() string {
	if t < 0 || int(t) >= len(sampleTypeNames) {
		return fmt.Sprintf("sample_type(%d)", int(t))
	}
	return sampleTypeNames[t]
}

// Active reports whether the sample counts towards the noise window.
func (t SampleType) Active() bool { return t > SampleFlooded }

// Status is the health verdict for a trap. Ordinals are ordered by severity
// and persisted as integers.
type Status int

const (
	StatusUndefined Status = iota
	StatusGood
	StatusWarning
	StatusLeaking
)

var statusNames = [...]string{"undefined", "good", "warning", "leaking"}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the four defined statuses.
func (s Status) Valid() bool { return s >= StatusUndefined && s <= StatusLeaking }

// RawSample is one hourly telemetry reading as delivered by the sensor
// platform. Temperature and Battery are optional.
type RawSample struct {
	Timestamp   time.Time `json:"timestamp"`
	Activity    float64   `json:"activity"`
	CycleCount  int       `json:"cycleCount"`
	Temperature *float64  `json:"temperature,omitempty"`
	Battery     *float64  `json:"battery,omitempty"`
}

// Validate rejects readings that cannot have come from a working sensor.
func (s RawSample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !finite(s.Activity) || s.Activity < 0 {
		return fmt.Errorf("activity must be a finite non-negative number, got %v", s.Activity)
	}
	if s.CycleCount < 0 {
		return fmt.Errorf("cycleCount must be non-negative, got %d", s.CycleCount)
	}
	if s.Temperature != nil && !finite(*s.Temperature) {
		return fmt.Errorf("temperature must be finite")
	}
	if s.Battery != nil && (!finite(*s.Battery) || *s.Battery < 0) {
		return fmt.Errorf("battery must be a finite non-negative number")
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
