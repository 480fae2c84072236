package history

import "math"

// Direction is the sign of a trend.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

const (
	significantChange = 0.1
	minRSquared       = 0.5
	minAutocorr       = 0.5
	defaultWindow     = 3
)

// MovingAverage compares the first and last windowed means of a series.
type MovingAverage struct {
	Window      int       `json:"window"`
	Values      []float64 `json:"values,omitempty"`
	Change      float64   `json:"change"`
	Significant bool      `json:"significant"`
	Direction   Direction `json:"direction"`
}

// Linear is a least-squares fit over the series index.
type Linear struct {
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
	RSquared  float64   `json:"r_squared"`
	Direction Direction `json:"direction"`
}

// Periodicity is the strongest autocorrelation lag.
type Periodicity struct {
	Period      int     `json:"period"`
	Correlation float64 `json:"correlation"`
}

// Trends is the result of DetectTrends. Linear and Periodicity are nil when
// the series does not support them.
type Trends struct {
	MovingAverage MovingAverage `json:"moving_average"`
	Linear        *Linear       `json:"linear,omitempty"`
	Periodicity   *Periodicity  `json:"periodicity,omitempty"`
}

// Direction prefers a significant moving-average trend, then the linear fit.
func (t Trends) Direction() Direction {
	if t.MovingAverage.Significant {
		return t.MovingAverage.Direction
	}
	if t.Linear != nil {
		return t.Linear.Direction
	}
	return DirectionFlat
}

// DetectTrends runs the moving-average, regression and periodicity checks
// over series. A window outside [1, len(series)] falls back to 3, or to the
// series length when shorter.
func DetectTrends(series []float64, window int) Trends {
	var t Trends
	t.MovingAverage = movingAverage(series, window)
	t.Linear = linearFit(series)
	t.Periodicity = periodicity(series)
	return t
}

func movingAverage(series []float64, window int) MovingAverage {
	n := len(series)
	if window <= 0 || window > n {
		window = min(defaultWindow, n)
	}
	ma := MovingAverage{Window: window, Direction: DirectionFlat}
	if n == 0 {
		return ma
	}

	sum := 0.0
	for i, v := range series {
		sum += v
		if i >= window {
			sum -= series[i-window]
		}
		if i >= window-1 {
			ma.Values = append(ma.Values, sum/float64(window))
		}
	}

	first, last := ma.Values[0], ma.Values[len(ma.Values)-1]
	switch {
	case first != 0:
		ma.Change = (last - first) / math.Abs(first)
	case last > 0:
		ma.Change = 1
	case last < 0:
		ma.Change = -1
	}

	ma.Significant = math.Abs(ma.Change) > significantChange
	if ma.Significant {
		ma.Direction = directionOf(ma.Change)
	}
	return ma
}

func linearFit(series []float64) *Linear {
	n := float64(len(series))
	if len(series) < 3 {
		return nil
	}

	var sx, sy, sxy, sxx float64
	for i, y := range series {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	denom := n*sxx - sx*sx
	if denom == 0 {
		return nil
	}
	slope := (n*sxy - sx*sy) / denom
	intercept := (sy - slope*sx) / n

	mean := sy / n
	var ssTot, ssRes float64
	for i, y := range series {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - mean) * (y - mean)
	}
	if ssTot == 0 {
		return nil
	}
	r2 := 1 - ssRes/ssTot
	if r2 <= minRSquared {
		return nil
	}
	return &Linear{
		Slope:     slope,
		Intercept: intercept,
		RSquared:  r2,
		Direction: directionOf(slope),
	}
}

// periodicity looks for the lag in [2, n/2] with the highest
// autocorrelation. Lag 1 is skipped since any smooth series correlates with
// itself shifted by one.
func periodicity(series []float64) *Periodicity {
	n := len(series)
	if n < 4 {
		return nil
	}

	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	if variance == 0 {
		return nil
	}

	var best *Periodicity
	for lag := 2; lag <= n/2; lag++ {
		c := 0.0
		for i := 0; i+lag < n; i++ {
			c += (series[i] - mean) * (series[i+lag] - mean)
		}
		r := c / variance
		if r > minAutocorr && (best == nil || r > best.Correlation) {
			best = &Periodicity{Period: lag, Correlation: r}
		}
	}
	return best
}

func directionOf(f float64) Direction {
	switch {
	case f > 0:
		return DirectionUp
	case f < 0:
		return DirectionDown
	}
	return DirectionFlat
}
