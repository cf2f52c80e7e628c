package defense

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint32Ptr(v uint32) *uint32 { return &v }

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrConfig, "empty level set")

	_, err = New([]Level{{VisitorThreshold: 10, DifficultyFactor: 0}})
	assert.ErrorIs(t, err, ErrConfig, "zero difficulty")

	_, err = New([]Level{
		{VisitorThreshold: 10, DifficultyFactor: 5},
		{VisitorThreshold: 10, DifficultyFactor: 6},
	})
	assert.ErrorIs(t, err, ErrConfig, "duplicate threshold")

	_, err = New([]Level{
		{VisitorThreshold: 10, DifficultyFactor: 50},
		{VisitorThreshold: 20, DifficultyFactor: 5},
	})
	assert.ErrorIs(t, err, ErrConfig, "difficulty decreasing with threshold")
}

func TestNewSortsLevels(t *testing.T) {
	d, err := New([]Level{
		{VisitorThreshold: 1000, DifficultyFactor: 50},
		{VisitorThreshold: 100, DifficultyFactor: 10},
	})
	require.NoError(t, err)

	levels := d.Levels()
	assert.Equal(t, uint32(100), levels[0].VisitorThreshold)
	assert.Equal(t, uint32(1000), levels[1].VisitorThreshold)
}

func TestSelectLevel(t *testing.T) {
	d, err := New([]Level{
		{VisitorThreshold: 100, DifficultyFactor: 10},
		{VisitorThreshold: 1000, DifficultyFactor: 50},
		{VisitorThreshold: 5000, DifficultyFactor: 500},
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(10), d.SelectLevel(0))
	assert.Equal(t, uint32(10), d.SelectLevel(50))
	assert.Equal(t, uint32(10), d.SelectLevel(100))
	assert.Equal(t, uint32(50), d.SelectLevel(101))
	assert.Equal(t, uint32(50), d.SelectLevel(1000))
	assert.Equal(t, uint32(500), d.SelectLevel(4999))

	// Beyond every threshold the last level is the ceiling.
	assert.Equal(t, uint32(500), d.SelectLevel(5001))
	assert.Equal(t, uint32(500), d.SelectLevel(^uint32(0)))
}

func TestSelectLevelMonotonic(t *testing.T) {
	d, err := New([]Level{
		{VisitorThreshold: 10, DifficultyFactor: 1},
		{VisitorThreshold: 200, DifficultyFactor: 7},
		{VisitorThreshold: 3000, DifficultyFactor: 7},
		{VisitorThreshold: 40000, DifficultyFactor: 900},
	})
	require.NoError(t, err)

	previous := uint32(0)
	for visitors := uint32(0); visitors < 50000; visitors += 13 {
		selected := d.SelectLevel(visitors)
		assert.GreaterOrEqual(t, selected, previous,
			"difficulty must not drop as visitors grow (at %d visitors)", visitors)
		previous = selected
	}
}

func TestLevelsFromPattern(t *testing.T) {
	strategy := Strategy{
		AvgTrafficDifficulty:             50000,
		PeakSustainableTrafficDifficulty: 3000000,
		BrokeMySiteTrafficDifficulty:     5000000,
		Duration:                         30,
	}

	d, err := LevelsFromPattern(TrafficPattern{
		AvgTraffic:             100,
		PeakSustainableTraffic: 1000,
		BrokeMySiteTraffic:     10000,
	}, strategy)
	require.NoError(t, err)

	levels := d.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, uint32(50000), levels[0].DifficultyFactor)
	assert.Equal(t, uint32(5000000), levels[2].DifficultyFactor)
}

func TestLevelsFromPatternRejectsNonIncreasingTraffic(t *testing.T) {
	strategy := Strategy{
		AvgTrafficDifficulty:             1,
		PeakSustainableTrafficDifficulty: 2,
		BrokeMySiteTrafficDifficulty:     3,
	}

	_, err := LevelsFromPattern(TrafficPattern{
		AvgTraffic:             1000,
		PeakSustainableTraffic: 100,
		BrokeMySiteTraffic:     10000,
	}, strategy)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestStrategyTimeHintsAllOrNone(t *testing.T) {
	pattern := TrafficPattern{AvgTraffic: 10, PeakSustainableTraffic: 100, BrokeMySiteTraffic: 1000}
	base := Strategy{
		AvgTrafficDifficulty:             1,
		PeakSustainableTrafficDifficulty: 2,
		BrokeMySiteTrafficDifficulty:     3,
	}

	_, err := LevelsFromPattern(pattern, base)
	assert.NoError(t, err, "no time hints is valid")

	all := base
	all.AvgTrafficTime = uint32Ptr(5)
	all.PeakSustainableTrafficTime = uint32Ptr(10)
	all.BrokeMySiteTrafficTime = uint32Ptr(30)
	_, err = LevelsFromPattern(pattern, all)
	assert.NoError(t, err, "all three time hints is valid")

	partial := base
	partial.AvgTrafficTime = uint32Ptr(5)
	_, err = LevelsFromPattern(pattern, partial)
	assert.ErrorIs(t, err, ErrConfig, "partially set time hints must be rejected")

	partial.PeakSustainableTrafficTime = uint32Ptr(10)
	_, err = LevelsFromPattern(pattern, partial)
	assert.ErrorIs(t, err, ErrConfig, "two of three time hints must be rejected")
}
