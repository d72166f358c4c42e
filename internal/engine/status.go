package engine

import "github.com/ashita-ai/trapwatch/internal/model"

const (
	goodWindow        = 48
	badWindowCoef     = 0.8
	leakHiShare       = 0.8  // share of Hi among Hi+ExtraHi samples
	leakHiExtraHiPerc = 0.95 // share of noise-corrected Hi+ExtraHi among all active
	okShareModulating = 0.10
	okShareConstant   = 0.25
)

// WindowStats summarises the noise window for the status rules.
type WindowStats struct {
	NumLoMid           int
	NumHi              int
	NumHiExtraHi       int
	NumHiExtraHiRecalc float64
	PercLoMid          float64
	PercHiInAllHi      float64
	PercHiExtraHi      float64
}

// Total is the noise-corrected number of active samples.
func (s WindowStats) Total() float64 {
	return float64(s.NumLoMid) + s.NumHiExtraHiRecalc
}

// ComputeStats counts the window by category and discounts the high
// activity samples by the noise factor.
func ComputeStats(window []model.WindowEntry, noise float64) WindowStats {
	var s WindowStats
	numExtraHi := 0
	for _, e := range window {
		switch e.SampleType {
		case model.SampleLoActive, model.SampleMidActive:
			s.NumLoMid++
		case model.SampleHiActive:
			s.NumHi++
		case model.SampleExtraHiActive:
			numExtraHi++
		}
	}
	s.NumHiExtraHi = s.NumHi + numExtraHi
	s.NumHiExtraHiRecalc = float64(s.NumHiExtraHi) * (1 - noise)
	if total := s.Total(); total > 0 {
		s.PercLoMid = float64(s.NumLoMid) / total
		s.PercHiExtraHi = s.NumHiExtraHiRecalc / total
	}
	if s.NumHiExtraHi > 0 {
		s.PercHiInAllHi = float64(s.NumHi) / float64(s.NumHiExtraHi)
	}
	return s
}

func okShare(modulating bool) float64 {
	if modulating {
		return okShareModulating
	}
	return okShareConstant
}

// NextStatus applies the hysteresis rules. A trap in Warning or Leaking
// never returns to Good on its own; only a config reset clears it.
func NextStatus(prev model.Status, s WindowStats, modulating bool) model.Status {
	thr := okShare(modulating)

	enoughGood := s.Total() > goodWindow && float64(s.NumLoMid) > goodWindow*0.5 && s.PercLoMid > thr
	quietOnly := s.NumLoMid > 3 && s.NumHiExtraHi == 0

	switch {
	case (enoughGood || quietOnly) && prev < model.StatusWarning:
		return model.StatusGood
	case s.NumLoMid < 1 && prev == model.StatusGood:
		return model.StatusUndefined
	case s.Total() > WindowCapacity*badWindowCoef && s.PercLoMid <= thr && prev < model.StatusLeaking:
		if s.PercHiExtraHi > leakHiExtraHiPerc && s.PercHiInAllHi > leakHiShare {
			return model.StatusLeaking
		}
		return model.StatusWarning
	default:
		return prev
	}
}
