package indicators

import (
	"math"

	"github.com/Alias1177/Trader/models"
)

// ADX returns Wilder's average directional index together with +DI and -DI.
// DI values start at index period, ADX at index 2*period-1.
func ADX(candles []models.Candle, period int) (adx, plusDI, minusDI []float64) {
	n := len(candles)
	adx = nanSeries(n)
	plusDI = nanSeries(n)
	minusDI = nanSeries(n)
	if period < 1 || n < period+1 {
		return adx, plusDI, minusDI
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = trueRange(candles[i], candles[i-1].Close)
	}

	var smoothPlus, smoothMinus, smoothTR float64
	for i := 1; i <= period; i++ {
		smoothPlus += plusDM[i]
		smoothMinus += minusDM[i]
		smoothTR += tr[i]
	}

	dx := nanSeries(n)
	p := float64(period)
	for i := period; i < n; i++ {
		if i > period {
			smoothPlus = smoothPlus - smoothPlus/p + plusDM[i]
			smoothMinus = smoothMinus - smoothMinus/p + minusDM[i]
			smoothTR = smoothTR - smoothTR/p + tr[i]
		}
		pdi, mdi := 0.0, 0.0
		if smoothTR > 0 {
			pdi = 100 * smoothPlus / smoothTR
			mdi = 100 * smoothMinus / smoothTR
		}
		plusDI[i] = pdi
		minusDI[i] = mdi
		if sum := pdi + mdi; sum > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / sum
		} else {
			dx[i] = 0
		}
	}

	first := 2*period - 1
	if first >= n {
		return adx, plusDI, minusDI
	}
	var sum float64
	for i := period; i <= first; i++ {
		sum += dx[i]
	}
	adx[first] = sum / p
	for i := first + 1; i < n; i++ {
		adx[i] = (adx[i-1]*(p-1) + dx[i]) / p
	}
	return adx, plusDI, minusDI
}
