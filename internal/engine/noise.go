package engine

import (
	"math"
	"time"

	"github.com/ashita-ai/trapwatch/internal/model"
)

const (
	// WindowCapacity is the number of active samples kept for scoring.
	WindowCapacity = 168

	// High cycle-count heuristic: 3 of 5 consecutive active samples with
	// more than 13 cycles and mid-or-higher activity, each no more than 8h
	// after its predecessor, are treated as external vibration.
	highCycleThreshold = 13
	highCycleSpan      = 5
	highCycleMinHits   = 3
	maxSampleGap       = 8 * time.Hour

	// Low cycle-count heuristic: high activity with (almost) no cycling
	// raises suspicion on its neighbours within lowCycleReach entries.
	lowCycleReach   = 48
	lowCycleBoost   = 1.5
	lowCycleNorm    = WindowCapacity / 3.0
	anchorScoreHigh = 3
	anchorScoreBase = 2
)

// pushWindow appends e and evicts the oldest entry once the window is full.
// The backing array never grows past WindowCapacity.
func pushWindow(window []model.WindowEntry, e model.WindowEntry) []model.WindowEntry {
	if len(window) >= WindowCapacity {
		n := copy(window, window[len(window)-WindowCapacity+1:])
		window = window[:n]
	}
	return append(window, e)
}

// highCycleCandidate reports whether e looks like a vibration-driven sample
// given the timestamp of the entry before it in the subwindow.
func highCycleCandidate(e model.WindowEntry, prev time.Time) bool {
	return e.CycleCount > highCycleThreshold &&
		e.Activity > midActivityThreshold &&
		e.Timestamp.Sub(prev) < maxSampleGap
}

// markHighCycleTriplets scans every 5-entry subwindow and marks the
// qualifying entries of subwindows with at least 3 hits. Marks are sticky.
func markHighCycleTriplets(window []model.WindowEntry) {
	for k := 0; k+highCycleSpan <= len(window); k++ {
		sub := window[k : k+highCycleSpan]
		hits := 0
		prev := sub[0].Timestamp
		for _, e := range sub {
			if highCycleCandidate(e, prev) {
				hits++
			}
			prev = e.Timestamp
		}
		if hits < highCycleMinHits {
			continue
		}
		prev = sub[0].Timestamp
		for i := range sub {
			if highCycleCandidate(sub[i], prev) {
				sub[i].InHighCycleTriplet = true
			}
			prev = sub[i].Timestamp
		}
	}
}

func isLowCycleAnchor(e model.WindowEntry) bool {
	return e.CycleCount == 0 && e.Activity > hiActivityThreshold
}

// raiseLowCycleScore applies the contribution of an anchor to neighbour o.
// decay is 1 for the nearest neighbour and falls linearly with distance;
// coef is the anchor's boost.
func raiseLowCycleScore(o *model.WindowEntry, decay, coef float64) {
	if o.Activity <= hiActivityThreshold {
		return
	}
	switch o.CycleCount {
	case 0:
		o.LowCycleScore = math.Max(o.LowCycleScore, 2+decay)
	case 1:
		o.LowCycleScore = math.Max(o.LowCycleScore, coef*decay)
	}
}

// scoreLowCycle recomputes the low cycle-count suspicion scores in place.
func scoreLowCycle(window []model.WindowEntry) {
	last := len(window) - 1
	for i := range window {
		if !isLowCycleAnchor(window[i]) {
			continue
		}
		coef := 1.0
		window[i].LowCycleScore = anchorScoreBase
		if window[i].Activity > extraHiActivityThreshold {
			coef = lowCycleBoost
			window[i].LowCycleScore = anchorScoreHigh
		}

		if i > 0 {
			start, finish := max(0, i-lowCycleReach), i-1
			for o := finish; o >= start; o-- {
				decay := float64(lowCycleReach-(finish-o)) / lowCycleReach
				raiseLowCycleScore(&window[o], decay, coef)
			}
		}
		if i < last {
			start, finish := i+1, min(last, i+lowCycleReach)
			for o := start; o <= finish; o++ {
				decay := float64(start+lowCycleReach-o) / lowCycleReach
				raiseLowCycleScore(&window[o], decay, coef)
			}
		}
	}
}

// scoreNoise updates the window scores and returns the probability, in
// [0, 1], that the window's high activity is caused by external noise
// rather than by steam passing the trap.
func scoreNoise(window []model.WindowEntry) float64 {
	markHighCycleTriplets(window)
	scoreLowCycle(window)

	var marked, active int
	var lowCycleSum float64
	for _, e := range window {
		if e.InHighCycleTriplet {
			marked++
		}
		if e.Activity > midActivityThreshold {
			active++
		}
		lowCycleSum += e.LowCycleScore
	}
	if active == 0 {
		active = 1
	}
	high := math.Sqrt(float64(marked) / float64(active))
	low := math.Min(1, lowCycleSum/lowCycleNorm)
	return math.Min(1, high+low)
}
