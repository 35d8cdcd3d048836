package backtest

import (
	"math"
	"sort"
	"time"

	"tradepipeline/internal/models"
)

const (
	hoursPerYear        = 365 * 24
	fallbackBarsPerYear = 252
)

// series is the flat column view of a candle slice. It is built once per run so the
// simulation loop only indexes arrays.
type series struct {
	times []time.Time
	open  []float64
	high  []float64
	low   []float64
	close []float64
}

func newSeries(candles []models.Candle) series {
	n := len(candles)
	s := series{
		times: make([]time.Time, n),
		open:  make([]float64, n),
		high:  make([]float64, n),
		low:   make([]float64, n),
		close: make([]float64, n),
	}
	for i, c := range candles {
		s.times[i] = c.Time
		s.open[i] = c.Open
		s.high[i] = c.High
		s.low[i] = c.Low
		s.close[i] = c.Close
	}
	return s
}

func (s series) len() int { return len(s.close) }

// barsPerYear derives the annualisation factor from the median spacing between candles.
func (s series) barsPerYear() float64 {
	if len(s.times) < 2 {
		return fallbackBarsPerYear
	}
	gaps := make([]float64, 0, len(s.times)-1)
	for i := 1; i < len(s.times); i++ {
		if d := s.times[i].Sub(s.times[i-1]); d > 0 {
			gaps = append(gaps, d.Hours())
		}
	}
	if len(gaps) == 0 {
		return fallbackBarsPerYear
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}
	if median <= 0 || math.IsNaN(median) {
		return fallbackBarsPerYear
	}
	return hoursPerYear / median
}
