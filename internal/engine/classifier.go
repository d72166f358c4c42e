package engine

import "github.com/ashita-ai/trapwatch/internal/model"

// Activity bands, in sensor activity units.
const (
	midActivityThreshold     = 7
	hiActivityThreshold      = 27
	extraHiActivityThreshold = 53
)

// Classify maps one reading onto its activity category.
func Classify(activity float64, cycleCount int) model.SampleType {
	switch {
	case activity == 0 && cycleCount == 0:
		return model.SampleCold
	case activity == 0:
		return model.SampleFlooded
	case activity <= midActivityThreshold:
		return model.SampleLoActive
	case activity <= hiActivityThreshold:
		return model.SampleMidActive
	case activity <= extraHiActivityThreshold:
		return model.SampleHiActive
	default:
		return model.SampleExtraHiActive
	}
}
