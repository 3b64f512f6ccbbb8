package indicators

import (
	"math"

	"github.com/Alias1177/Trader/models"
)

// Bollinger returns upper, middle and lower bands using the population
// standard deviation over period closes.
func Bollinger(closes []float64, period int, k float64) (upper, middle, lower []float64) {
	middle = SMA(closes, period)
	upper = nanSeries(len(closes))
	lower = nanSeries(len(closes))

	for i := period - 1; i < len(closes) && period > 0; i++ {
		mean := middle[i]
		var variance float64
		for _, c := range closes[i-period+1 : i+1] {
			d := c - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper[i] = mean + k*sd
		lower[i] = mean - k*sd
	}
	return upper, middle, lower
}

// TrueRange returns the true range series; index 0 has no previous close and is NaN
func TrueRange(candles []models.Candle) []float64 {
	out := nanSeries(len(candles))
	for i := 1; i < len(candles); i++ {
		out[i] = trueRange(candles[i], candles[i-1].Close)
	}
	return out
}

func trueRange(c models.Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ATR returns Wilder's average true range. The first value, at index period,
// is the mean of the first period true ranges.
func ATR(candles []models.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period < 1 || len(candles) < period+1 {
		return out
	}
	tr := TrueRange(candles)

	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr

	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}
