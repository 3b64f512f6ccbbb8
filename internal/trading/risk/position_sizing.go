package risk

import (
	"math"

	"github.com/Alias1177/Trader/models"
)

// TierSpec defines a take-profit level as an ATR multiple and the fraction
// of the original size closed there.
type TierSpec struct {
	ATRMultiple float64 `yaml:"atr_multiple"`
	Fraction    float64 `yaml:"fraction"`
}

// DefaultTiers returns the standard 1.5/2.5/4.0 ATR ladder
func DefaultTiers() []TierSpec {
	return []TierSpec{
		{ATRMultiple: 1.5, Fraction: 0.3},
		{ATRMultiple: 2.5, Fraction: 0.4},
		{ATRMultiple: 4.0, Fraction: 0.3},
	}
}

// OrderPlan is a sized, admitted order. Stop and take-profit levels are kept
// as distances so they can be anchored to the actual fill price.
type OrderPlan struct {
	Pair           string
	Side           models.Side
	Size           float64
	ReferencePrice float64
	ATR            float64
	StopDistance   float64
	TierDistances  []float64
	TierFractions  []float64
	Confidence     float64
}

// Anchor returns the stop price and take-profit ladder around fillPrice
func (p OrderPlan) Anchor(fillPrice float64) (float64, []models.TakeProfitTier) {
	sign := p.Side.Sign()
	stop := fillPrice - sign*p.StopDistance

	tiers := make([]models.TakeProfitTier, len(p.TierDistances))
	for i, d := range p.TierDistances {
		tiers[i] = models.TakeProfitTier{
			Price:    fillPrice + sign*d,
			Fraction: p.TierFractions[i],
		}
	}
	return stop, tiers
}

// StopDistance is the ATR-based distance between entry and stop
func StopDistance(atr, multiplier float64) float64 {
	return atr * multiplier
}

// CalculatePositionSize sizes a position so that hitting the stop loses
// riskPerTrade of capital, capped so that its notional stays within
// maxPositionSize of capital.
func CalculatePositionSize(price, stopDistance, capital, riskPerTrade, maxPositionSize float64) float64 {
	if price <= 0 || stopDistance <= 0 || capital <= 0 {
		return 0
	}

	riskAmount := capital * riskPerTrade
	size := riskAmount / stopDistance

	maxSize := capital * maxPositionSize / price
	return math.Min(size, maxSize)
}
