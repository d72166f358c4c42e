package engine

import (
	"math"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// lossActivityThreshold is the activity above which steam is assumed to
// escape through the trap.
const lossActivityThreshold = 19

// LossFactors converts one activity unit of one hourly sample into losses.
type LossFactors struct {
	KgPerActivity float64
	KwhPerKg      float64
	Co2PerKwh     float64
}

// NewLossFactors derives the loss multipliers for a trap configuration.
// The orifice is capped at the diameter that saturates at the working
// pressure; 0.45359 converts pounds to kilograms.
func NewLossFactors(c model.TrapConfig) LossFactors {
	orifice := math.Min(c.OrificeDiameter, 33.583*math.Pow(c.Pressure+1, -0.415))
	kg := 47.12 * math.Pow(orifice/25.4, 2) * math.Pow(c.Pressure*14.50377+14.7, 0.97) * 0.7 * 0.36 * 0.45359 / 100.0
	return LossFactors{
		KgPerActivity: kg,
		KwhPerKg:      c.SteamEnthalpy / ((c.EfficiencyPercent / 100.0) * 3600),
		Co2PerKwh:     c.CO2Factor / 1000.0,
	}
}

// Loss is a loss increment or total.
type Loss struct {
	Kg    float64
	Kwh   float64
	Co2   float64
	Hours int
}

// sample returns the loss of one sample, or a zero Loss when the activity
// is too low to count.
func (f LossFactors) sample(activity float64) Loss {
	if activity <= lossActivityThreshold {
		return Loss{}
	}
	kg := activity * f.KgPerActivity
	kwh := kg * f.KwhPerKg
	return Loss{Kg: kg, Kwh: kwh, Co2: kwh * f.Co2PerKwh, Hours: 1}
}

// integrate sums the losses over every window entry.
func (f LossFactors) integrate(window []model.WindowEntry) Loss {
	var total Loss
	for _, e := range window {
		total = total.add(f.sample(e.Activity))
	}
	return total
}

func (l Loss) add(o Loss) Loss {
	return Loss{Kg: l.Kg + o.Kg, Kwh: l.Kwh + o.Kwh, Co2: l.Co2 + o.Co2, Hours: l.Hours + o.Hours}
}

// accountLoss updates the state's accumulators for the transition from
// prev to next. Entering Warning or Leaking replaces the totals with the
// integral over the window; staying there adds the current sample.
func accountLoss(st *model.RetainedState, f LossFactors, prev, next model.Status, activity float64) {
	var l Loss
	switch {
	case prev < model.StatusWarning && next >= model.StatusWarning:
		l = f.integrate(st.Window)
	case prev >= model.StatusWarning && next >= model.StatusWarning:
		l = Loss{Kg: st.TotalLossKg, Kwh: st.TotalLossKwh, Co2: st.TotalLossCo2, Hours: st.HoursOfLeaking}.
			add(f.sample(activity))
	default:
		return
	}
	st.TotalLossKg, st.TotalLossKwh, st.TotalLossCo2, st.HoursOfLeaking = l.Kg, l.Kwh, l.Co2, l.Hours
}
