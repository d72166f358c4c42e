// Package engine evaluates steam trap telemetry. It classifies each hourly
// sample, scores the recent history for external noise, advances the trap's
// status and accounts for the steam lost while the trap leaks.
//
// The package is pure: it performs no I/O, reads no clock and keeps no
// package state. Everything carried between calls travels in a
// model.RetainedState value that the caller persists.
package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// TailCapacity is the number of recent samples kept in the state's tail.
const TailCapacity = 8

var (
	// ErrConfiguration reports a config history that cannot serve a sample.
	ErrConfiguration = errors.New("engine: configuration error")
	// ErrMalformedInput reports a sample or state that cannot be evaluated.
	ErrMalformedInput = errors.New("engine: malformed input")
)

// Result is the outcome of one Evaluate call.
type Result struct {
	Records []model.OutputRecord `json:"records"`
	State   model.RetainedState  `json:"state"`
}

// Evaluate processes samples in order against the trap's config history,
// starting from state. The input state is not modified. On error no partial
// result is returned, so a failed batch never leaves half-applied
// accumulators behind.
//
// Samples must be strictly increasing in time and strictly after the
// newest sample already in state. A duplicate or overlapping timestamp
// fails the whole batch with ErrMalformedInput; callers resuming from a
// saved state drop samples they have already evaluated.
func Evaluate(samples []model.RawSample, configs []model.TrapConfig, state model.RetainedState) (Result, error) {
	history := model.ConfigHistory(configs)
	if err := history.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := checkState(state, len(history)); err != nil {
		return Result{}, err
	}

	st := state.Clone()
	var last time.Time
	if e, ok := st.LastSample(); ok {
		last = e.Timestamp
	}

	records := make([]model.OutputRecord, 0, len(samples))
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: sample %d: %w", ErrMalformedInput, i, err)
		}
		if !last.IsZero() && !s.Timestamp.After(last) {
			return Result{}, fmt.Errorf("%w: sample %d at %s is not after %s",
				ErrMalformedInput, i, s.Timestamp.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
		}
		last = s.Timestamp

		rec, err := step(&st, history, s)
		if err != nil {
			return Result{}, fmt.Errorf("sample %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return Result{Records: records, State: st}, nil
}

func checkState(st model.RetainedState, numConfigs int) error {
	if !st.Status.Valid() {
		return fmt.Errorf("%w: state status %d", ErrMalformedInput, st.Status)
	}
	if st.LastConfigIdx != nil && (*st.LastConfigIdx < 0 || *st.LastConfigIdx >= numConfigs) {
		return fmt.Errorf("%w: state refers to config %d of %d", ErrConfiguration, *st.LastConfigIdx, numConfigs)
	}
	if st.TotalLossKg < 0 || st.TotalLossKwh < 0 || st.TotalLossCo2 < 0 || st.HoursOfLeaking < 0 {
		return fmt.Errorf("%w: negative loss accumulator in state", ErrMalformedInput)
	}
	return nil
}

// step evaluates one validated sample and advances st.
func step(st *model.RetainedState, history model.ConfigHistory, s model.RawSample) (model.OutputRecord, error) {
	idx := history.IndexAt(s.Timestamp)
	if idx < 0 {
		return model.OutputRecord{}, fmt.Errorf("%w: no trap config valid at %s",
			ErrConfiguration, s.Timestamp.UTC().Format(time.RFC3339))
	}
	cfg := history[idx]

	if (st.LastConfigIdx == nil || *st.LastConfigIdx != idx) && cfg.ResetOnChange {
		*st = model.NewRetainedState()
	}
	st.LastConfigIdx = &idx

	stype := Classify(s.Activity, s.CycleCount)
	if stype.Active() {
		st.Window = pushWindow(st.Window, model.WindowEntry{
			Timestamp:  s.Timestamp,
			Activity:   s.Activity,
			CycleCount: s.CycleCount,
			SampleType: stype,
		})
	}

	noise := scoreNoise(st.Window)
	prev := st.Status
	next := NextStatus(prev, ComputeStats(st.Window, noise), cfg.IsModulating)
	accountLoss(st, NewLossFactors(cfg), prev, next, s.Activity)
	st.Status = next

	st.Tail = pushTail(st.Tail, model.TailEntry{
		Timestamp:   s.Timestamp,
		Activity:    s.Activity,
		CycleCount:  s.CycleCount,
		SampleType:  stype,
		Temperature: copyFloat(s.Temperature),
		TotalLossKg: st.TotalLossKg,
	})

	return model.OutputRecord{
		Timestamp:    s.Timestamp,
		Activity:     s.Activity,
		CycleCount:   s.CycleCount,
		SampleType:   stype,
		Status:       next,
		ConfigIndex:  idx,
		TotalLossKg:  st.TotalLossKg,
		TotalLossKwh: round(st.TotalLossKwh, 1),
		TotalLossCo2: round(st.TotalLossCo2, 2),
		MeanIntLeak:  round(st.MeanIntLeak(), 1),
		NoiseFactor:  math.Round(noise*1000) / 10,
		Temperature:  s.Temperature,
		Battery:      s.Battery,
	}, nil
}

func pushTail(tail []model.TailEntry, e model.TailEntry) []model.TailEntry {
	tail = append(tail, e)
	if len(tail) > TailCapacity {
		tail = append(tail[:0:0], tail[len(tail)-TailCapacity:]...)
	}
	return tail
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
