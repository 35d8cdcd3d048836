// Package indicator computes technical indicator series over flat float arrays.
//
// Every function returns a slice aligned to its input. Indices without a full lookback
// window hold NaN, so callers can tell "not yet available" from a real zero.
package indicator

import "math"

// SMA returns the n-period simple moving average.
func SMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the n-period exponential moving average seeded with the first n-period SMA.
func EMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	k := 2.0 / float64(n+1)
	var seed float64
	for i := 0; i < n; i++ {
		seed += values[i]
	}
	prev := seed / float64(n)
	out[n-1] = prev
	for i := n; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI returns the n-period Relative Strength Index with Wilder smoothing.
// A window with no losses reads 100, one with no movement at all reads 50.
func RSI(closes []float64, n int) []float64 {
	out := nanSlice(len(closes))
	if n <= 0 || len(closes) <= n {
		return out
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(n)
	loss /= float64(n)
	out[n] = rsiValue(gain, loss)
	for i := n + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(n-1) + up) / float64(n)
		loss = (loss*float64(n-1) + down) / float64(n)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// ATR returns the n-period Average True Range with Wilder smoothing.
func ATR(highs, lows, closes []float64, n int) []float64 {
	size := len(closes)
	out := nanSlice(size)
	if n <= 0 || size <= n || len(highs) != size || len(lows) != size {
		return out
	}
	tr := make([]float64, size)
	for i := 1; i < size; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	prev := sum / float64(n)
	out[n] = prev
	for i := n + 1; i < size; i++ {
		prev = (prev*float64(n-1) + tr[i]) / float64(n)
		out[i] = prev
	}
	return out
}

// PriorHighest returns, at each index i, the highest value over the n bars before i.
// The current bar is excluded so a breakout compares against history only.
func PriorHighest(values []float64, n int) []float64 {
	return priorExtreme(values, n, math.Max)
}

// PriorLowest mirrors PriorHighest for lows.
func PriorLowest(values []float64, n int) []float64 {
	return priorExtreme(values, n, math.Min)
}

func priorExtreme(values []float64, n int, pick func(a, b float64) float64) []float64 {
	out := nanSlice(len(values))
	if n <= 0 {
		return out
	}
	for i := n; i < len(values); i++ {
		ext := values[i-n]
		for j := i - n + 1; j < i; j++ {
			ext = pick(ext, values[j])
		}
		out[i] = ext
	}
	return out
}

// StdDev returns the rolling population standard deviation over n values.
func StdDev(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 1 {
		return out
	}
	var sum, sumSq float64
	for i, v := range values {
		sum += v
		sumSq += v * v
		if i >= n {
			old := values[i-n]
			sum -= old
			sumSq -= old * old
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := sumSq/float64(n) - mean*mean
			out[i] = math.Sqrt(math.Max(variance, 0))
		}
	}
	return out
}

// Returns computes simple close-to-close returns; index 0 is NaN.
func Returns(closes []float64) []float64 {
	out := nanSlice(len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			out[i] = closes[i]/closes[i-1] - 1
		}
	}
	return out
}

// Last returns the final finite value of a series, or 0.
func Last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
