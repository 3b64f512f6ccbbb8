package indicators

import "math"

// SMA returns the simple moving average series; NaN until period values are seen
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period < 1 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average series with alpha = 2/(period+1).
// Leading NaN values are skipped; the first defined value is the SMA of the
// first period defined inputs.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period < 1 {
		return out
	}

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	seed := start + period - 1
	if seed >= len(values) {
		return out
	}

	var sum float64
	for i := start; i <= seed; i++ {
		sum += values[i]
	}
	out[seed] = sum / float64(period)

	alpha := 2.0 / float64(period+1)
	for i := seed + 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}
