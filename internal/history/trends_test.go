package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTrends_Rising(t *testing.T) {
	tr := DetectTrends([]float64{10, 10, 10, 12, 14, 16, 18, 20}, 3)

	ma := tr.MovingAverage
	assert.Equal(t, 3, ma.Window)
	assert.Len(t, ma.Values, 6)
	assert.InDelta(t, 0.8, ma.Change, 1e-9)
	assert.True(t, ma.Significant)
	assert.Equal(t, DirectionUp, ma.Direction)

	require.NotNil(t, tr.Linear)
	assert.Greater(t, tr.Linear.Slope, 0.0)
	assert.Greater(t, tr.Linear.RSquared, 0.5)
	assert.Equal(t, DirectionUp, tr.Linear.Direction)
	assert.Equal(t, DirectionUp, tr.Direction())
}

func TestDetectTrends_Flat(t *testing.T) {
	tr := DetectTrends([]float64{5, 5, 5, 5, 5}, 2)

	assert.False(t, tr.MovingAverage.Significant)
	assert.Equal(t, DirectionFlat, tr.MovingAverage.Direction)
	assert.Nil(t, tr.Linear)
	assert.Nil(t, tr.Periodicity)
	assert.Equal(t, DirectionFlat, tr.Direction())
}

func TestDetectTrends_SmallChangeIsNotSignificant(t *testing.T) {
	tr := DetectTrends([]float64{100, 101, 99, 102, 104, 103}, 3)
	assert.False(t, tr.MovingAverage.Significant)
	assert.Less(t, tr.MovingAverage.Change, 0.1)
}

func TestDetectTrends_Periodic(t *testing.T) {
	tr := DetectTrends([]float64{1, 5, 1, 5, 1, 5, 1, 5, 1, 5}, 2)

	require.NotNil(t, tr.Periodicity)
	assert.Equal(t, 2, tr.Periodicity.Period)
	assert.InDelta(t, 0.8, tr.Periodicity.Correlation, 1e-9)
	assert.Nil(t, tr.Linear, "alternating series has no linear fit")
}

func TestDetectTrends_Falling(t *testing.T) {
	tr := DetectTrends([]float64{80, 70, 60, 55, 50}, 3)
	assert.Equal(t, DirectionDown, tr.MovingAverage.Direction)
	assert.InDelta(t, -15.0/70, tr.MovingAverage.Change, 1e-9)
	assert.Equal(t, DirectionDown, tr.Direction())
}

func TestDetectTrends_ShortSeries(t *testing.T) {
	tr := DetectTrends(nil, 3)
	assert.Equal(t, DirectionFlat, tr.Direction())
	assert.Empty(t, tr.MovingAverage.Values)

	tr = DetectTrends([]float64{1, 4}, 7)
	assert.Equal(t, 2, tr.MovingAverage.Window)
	assert.Nil(t, tr.Linear)
	assert.Nil(t, tr.Periodicity)

	tr = DetectTrends([]float64{0, 0, 3}, 1)
	assert.Equal(t, 1.0, tr.MovingAverage.Change)
	assert.True(t, tr.MovingAverage.Significant)
}
