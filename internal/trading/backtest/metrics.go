package backtest

import (
	"math"

	"github.com/Alias1177/Trader/models"
)

// CalculatePerformanceMetrics computes trade and equity statistics.
// periodsPerYear annualizes the Sharpe ratio of per-point equity returns.
func CalculatePerformanceMetrics(trades []models.Trade, curve []models.EquityPoint, initialCapital, periodsPerYear float64) models.Metrics {
	var m models.Metrics

	m.TotalTrades = len(trades)
	for _, t := range trades {
		m.TotalFees += t.Fees
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			m.GrossProfit += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			m.GrossLoss += -t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	// Undefined without losing trades; reported as zero.
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}

	equity := equityValues(curve)
	if len(equity) > 0 && initialCapital > 0 {
		m.TotalReturn = (equity[len(equity)-1] - initialCapital) / initialCapital
	}
	m.MaxDrawdown = MaxDrawdown(equity)
	m.SharpeRatio = SharpeRatio(equity, periodsPerYear)
	if m.MaxDrawdown > 0 {
		m.RecoveryFactor = m.TotalReturn / m.MaxDrawdown
	}
	return m
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction of the peak
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}

	maxDrawdown := 0.0
	peak := equity[0]
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// SharpeRatio is mean/stddev of period returns scaled by sqrt(periodsPerYear),
// with a zero risk-free rate. It is zero when returns do not vary.
func SharpeRatio(equity []float64, periodsPerYear float64) float64 {
	if len(equity) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
	}

	m := mean(returns)
	sd := stdDev(returns, m)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(periodsPerYear)
}

func equityValues(curve []models.EquityPoint) []float64 {
	out := make([]float64, len(curve))
	for i, p := range curve {
		out[i] = p.Equity
	}
	return out
}

// Helper functions
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}

	var sumSquaredDiff float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}

	return math.Sqrt(sumSquaredDiff / float64(len(values)-1))
}
