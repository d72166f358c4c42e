package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/trapwatch/internal/model"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(hour int, activity float64, cycles int) model.WindowEntry {
	return model.WindowEntry{
		Timestamp:  base.Add(time.Duration(hour) * time.Hour),
		Activity:   activity,
		CycleCount: cycles,
		SampleType: Classify(activity, cycles),
	}
}

func TestPushWindow_EvictsOldest(t *testing.T) {
	var w []model.WindowEntry
	for i := 0; i < WindowCapacity+25; i++ {
		w = pushWindow(w, entry(i, 10, 1))
	}
	require.Len(t, w, WindowCapacity)
	assert.Equal(t, base.Add(25*time.Hour), w[0].Timestamp)
	assert.Equal(t, base.Add(time.Duration(WindowCapacity+24)*time.Hour), w[len(w)-1].Timestamp)
	assert.LessOrEqual(t, cap(w), 2*WindowCapacity)
}

func TestMarkHighCycleTriplets(t *testing.T) {
	w := []model.WindowEntry{
		entry(0, 10, 15),
		entry(1, 10, 2),
		entry(2, 10, 15),
		entry(3, 10, 2),
		entry(4, 10, 15),
	}
	markHighCycleTriplets(w)
	got := []bool{w[0].InHighCycleTriplet, w[1].InHighCycleTriplet, w[2].InHighCycleTriplet, w[3].InHighCycleTriplet, w[4].InHighCycleTriplet}
	assert.Equal(t, []bool{true, false, true, false, true}, got)

	score := scoreNoise(w)
	assert.InDelta(t, math.Sqrt(3.0/5.0), score, 1e-12)
}

func TestMarkHighCycleTriplets_GapBreaksRun(t *testing.T) {
	w := []model.WindowEntry{
		entry(0, 10, 15),
		entry(1, 10, 15),
		entry(10, 10, 15), // 9h after its predecessor
		entry(11, 10, 2),
		entry(12, 10, 2),
	}
	markHighCycleTriplets(w)
	for i, e := range w {
		assert.False(t, e.InHighCycleTriplet, "entry %d", i)
	}
}

func TestMarkHighCycleTriplets_LowActivityIgnored(t *testing.T) {
	w := []model.WindowEntry{
		entry(0, 5, 20),
		entry(1, 5, 20),
		entry(2, 5, 20),
		entry(3, 5, 20),
		entry(4, 5, 20),
	}
	markHighCycleTriplets(w)
	assert.Zero(t, scoreNoise(w))
}

func TestScoreLowCycle(t *testing.T) {
	w := []model.WindowEntry{
		entry(0, 30, 1),
		entry(1, 60, 0), // anchor above the extra-high threshold
		entry(2, 30, 0), // plain anchor
		entry(3, 60, 1),
	}
	scoreLowCycle(w)

	assert.InDelta(t, 1.5, w[0].LowCycleScore, 1e-12)
	assert.InDelta(t, 3.0, w[1].LowCycleScore, 1e-12)
	assert.InDelta(t, 2.0, w[2].LowCycleScore, 1e-12, "anchor score is assigned, not raised")
	assert.InDelta(t, 1.5*47.0/48.0, w[3].LowCycleScore, 1e-12)
}

func TestScoreLowCycle_BoostFollowsAnchorActivity(t *testing.T) {
	// A plain anchor gives no boost to a single-cycle neighbour, whatever
	// the neighbour's own activity.
	w := []model.WindowEntry{
		entry(0, 30, 0),
		entry(1, 60, 1),
	}
	scoreLowCycle(w)
	assert.InDelta(t, 1.0, w[1].LowCycleScore, 1e-12)

	// An extra-high anchor boosts only single-cycle neighbours; a zero-cycle
	// neighbour gets 2+decay unscaled.
	w = []model.WindowEntry{
		entry(0, 40, 0),
		entry(1, 60, 0),
		entry(2, 40, 1),
	}
	scoreLowCycle(w)
	assert.InDelta(t, 3.0, w[0].LowCycleScore, 1e-12)
	assert.InDelta(t, 1.5, w[2].LowCycleScore, 1e-12)
}

func TestScoreLowCycle_IgnoresQuietNeighbours(t *testing.T) {
	w := []model.WindowEntry{
		entry(0, 20, 1),
		entry(1, 40, 0),
		entry(2, 20, 0),
	}
	scoreLowCycle(w)
	assert.Zero(t, w[0].LowCycleScore)
	assert.InDelta(t, 2.0, w[1].LowCycleScore, 1e-12)
	assert.Zero(t, w[2].LowCycleScore)
}

func TestScoreNoise_Bounded(t *testing.T) {
	var w []model.WindowEntry
	for i := 0; i < WindowCapacity; i++ {
		cycles := 0
		if i%2 == 0 {
			cycles = 20
		}
		w = pushWindow(w, entry(i, 80, cycles))
	}
	score := scoreNoise(w)
	assert.Equal(t, 1.0, score)
}

func TestScoreNoise_Empty(t *testing.T) {
	assert.Zero(t, scoreNoise(nil))
}

func TestScoreNoise_LowCycleSum(t *testing.T) {
	w := []model.WindowEntry{
		entry(0, 30, 1),
		entry(1, 60, 0),
		entry(2, 30, 0),
		entry(3, 60, 1),
	}
	sum := 1.5 + 3 + 2 + 1.5*47.0/48.0
	assert.InDelta(t, sum/lowCycleNorm, scoreNoise(w), 1e-12)
}
