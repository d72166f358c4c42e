package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// TrapConfig is one entry of a trap's configuration history. A new entry is
// appended whenever the trap is repaired, replaced or re-instrumented; the
// entry applies to every sample with a timestamp at or after ValidFrom until
// the next entry takes over.
//
// JSON field names match the trap info files maintained by site engineers.
type TrapConfig struct {
	ValidFrom         time.Time `json:"validFrom"`
	OrificeDiameter   float64   `json:"orifDiam"` // mm
	Pressure          float64   `json:"pressure"` // barg
	SteamEnthalpy     float64   `json:"steamEnthalpy"`
	EfficiencyPercent float64   `json:"efficiency"`
	CO2Factor         float64   `json:"co2factor"`
	IsModulating      bool      `json:"isModulating"`
	SensorDeviceID    string    `json:"siqDevId"`
	ResetOnChange     bool      `json:"reset"`

	// Descriptive metadata. Not used by the evaluation.
	Name             string  `json:"trapName,omitempty"`
	SensorDeviceName string  `json:"siqDevName,omitempty"`
	Location         string  `json:"location,omitempty"`
	Application      string  `json:"application,omitempty"`
	NumHoursCold     float64 `json:"numHoursCold,omitempty"`
}

// UnmarshalJSON accepts validFrom either as an RFC 3339 string or as Unix
// milliseconds, both of which appear in existing info files.
func (c *TrapConfig) UnmarshalJSON(data []byte) error {
	type plain TrapConfig
	aux := struct {
		*plain
		ValidFrom json.RawMessage `json:"validFrom"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := parseFlexibleTime(aux.ValidFrom)
	if err != nil {
		return fmt.Errorf("validFrom: %w", err)
	}
	c.ValidFrom = ts
	return nil
}

func parseFlexibleTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// Validate checks the physical constants of a single entry.
func (c TrapConfig) Validate() error {
	if c.ValidFrom.IsZero() {
		return fmt.Errorf("validFrom is required")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"orifDiam", c.OrificeDiameter},
		{"pressure", c.Pressure},
		{"steamEnthalpy", c.SteamEnthalpy},
		{"co2factor", c.CO2Factor},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return fmt.Errorf("%s must be a finite non-negative number", f.name)
		}
	}
	if math.IsNaN(c.EfficiencyPercent) || math.IsInf(c.EfficiencyPercent, 0) || c.EfficiencyPercent <= 0 {
		return fmt.Errorf("efficiency must be a finite positive percentage")
	}
	return nil
}

// ConfigHistory is a trap's configuration entries ordered by ValidFrom.
type ConfigHistory []TrapConfig

// Sort orders the history by ValidFrom. Entries with equal ValidFrom keep
// their relative order.
func (h ConfigHistory) Sort() {
	sort.SliceStable(h, func(i, j int) bool { return h[i].ValidFrom.Before(h[j].ValidFrom) })
}

// Validate checks that the history is non-empty, ordered, and that every
// entry is physically sane.
func (h ConfigHistory) Validate() error {
	if len(h) == 0 {
		return fmt.Errorf("config history is empty")
	}
	for i, c := range h {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("config[%d]: %w", i, err)
		}
		if i > 0 && c.ValidFrom.Before(h[i-1].ValidFrom) {
			return fmt.Errorf("config[%d]: validFrom %s precedes config[%d]", i, c.ValidFrom.Format(time.RFC3339), i-1)
		}
	}
	return nil
}

// IndexAt returns the index of the last entry whose ValidFrom is at or before
// ts, or -1 when no entry is valid yet.
func (h ConfigHistory) IndexAt(ts time.Time) int {
	idx := -1
	for i, c := range h {
		if !ts.Before(c.ValidFrom) {
			idx = i
		}
	}
	return idx
}

// DeviceSpan is a run of consecutive history entries sharing one sensor
// device, together with the time range that device reported for.
type DeviceSpan struct {
	DeviceID   string
	FirstIndex int
	LastIndex  int
	From       time.Time
	// Until is the exclusive end of the span, or the zero time for the
	// currently active device.
	Until time.Time
}

// DeviceSpans groups consecutive entries with the same SensorDeviceID.
func (h ConfigHistory) DeviceSpans() []DeviceSpan {
	var spans []DeviceSpan
	for i, c := range h {
		if n := len(spans); n > 0 && spans[n-1].DeviceID == c.SensorDeviceID {
			spans[n-1].LastIndex = i
			continue
		}
		if n := len(spans); n > 0 {
			spans[n-1].Until = c.ValidFrom
		}
		spans = append(spans, DeviceSpan{
			DeviceID:   c.SensorDeviceID,
			FirstIndex: i,
			LastIndex:  i,
			From:       c.ValidFrom,
		})
	}
	return spans
}
