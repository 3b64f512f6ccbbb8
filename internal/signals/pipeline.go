package signals

import (
	"fmt"

	"github.com/Alias1177/Trader/internal/indicators"
	"github.com/Alias1177/Trader/models"
)

// Pipeline runs the indicator engine and the generator on a candle window.
// Live trading and backtesting both go through it, so identical windows
// yield identical signals.
type Pipeline struct {
	Indicators *indicators.Engine
	Generator  *Generator
}

// NewPipeline wires an indicator engine to a generator
func NewPipeline(engine *indicators.Engine, generator *Generator) *Pipeline {
	return &Pipeline{Indicators: engine, Generator: generator}
}

// Evaluate computes the snapshot at the last candle and turns it into a
// signal. Insufficient history is returned as indicators.ErrInsufficientHistory
// together with a hold signal.
func (p *Pipeline) Evaluate(pair string, candles []models.Candle) (models.Signal, models.IndicatorSnapshot, error) {
	hold := models.Signal{Pair: pair, Direction: models.DirectionHold}
	if len(candles) > 0 {
		hold.Timestamp = candles[len(candles)-1].Timestamp
		hold.Price = candles[len(candles)-1].Close
	}

	snap, err := p.Indicators.Snapshot(candles, len(candles)-1)
	if err != nil {
		return hold, models.IndicatorSnapshot{}, fmt.Errorf("%s: %w", pair, err)
	}
	return p.Generator.Generate(pair, snap), snap, nil
}
