package signals

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// Rule weights in points out of 100. Scores are summed as integers and
// divided once, so a threshold such as 0.75 is reached exactly.
const (
	weightEMAAlignment = 25
	weightADXTrend     = 15
	weightRSI          = 20
	weightMACD         = 15
	weightBollinger    = 10
	weightVolume       = 15
)

// Rule names reported in Signal.Factors
const (
	RuleEMAAlignment = "ema_alignment"
	RuleADXTrend     = "adx_trend"
	RuleRSI          = "rsi"
	RuleMACD         = "macd_histogram"
	RuleBollinger    = "bollinger_edge"
	RuleVolume       = "volume"
)

// Config holds the generator thresholds
type Config struct {
	RSIOversold     float64
	RSIOverbought   float64
	ADXThreshold    float64
	VolumeThreshold float64
	MinConfidence   float64
	MinInterval     time.Duration
}

// DefaultConfig mirrors the bot's default strategy settings
func DefaultConfig() Config {
	return Config{
		RSIOversold:     30,
		RSIOverbought:   70,
		ADXThreshold:    25,
		VolumeThreshold: 1.1,
		MinConfidence:   0.75,
		MinInterval:     5 * time.Minute,
	}
}

// Generator turns indicator snapshots into signals. The only state it keeps
// is the time of the last emitted signal per pair.
type Generator struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	lastSignal map[string]time.Time
}

// NewGenerator creates a signal generator
func NewGenerator(cfg Config) *Generator {
	return &Generator{
		cfg:        cfg,
		logger:     log.With().Str("component", "signal_generator").Logger(),
		lastSignal: make(map[string]time.Time),
	}
}

type scoreCard struct {
	points  int
	factors []models.Factor
}

func (s *scoreCard) add(name string, dir models.Direction, points int) {
	s.points += points
	s.factors = append(s.factors, models.Factor{Name: name, Direction: dir, Weight: float64(points) / 100})
}

func (s scoreCard) confidence() float64 {
	return float64(s.points) / 100
}

// Generate evaluates snap for pair. Signal time is the snapshot's candle
// timestamp, so the minimum interval is measured in market time.
func (g *Generator) Generate(pair string, snap models.IndicatorSnapshot) models.Signal {
	buy, sell := g.score(snap)

	sig := models.Signal{
		Pair:      pair,
		Direction: models.DirectionHold,
		Timestamp: snap.Timestamp,
		Price:     snap.Close,
		ATR:       snap.ATR,
	}

	buyOK := buy.confidence() >= g.cfg.MinConfidence
	sellOK := sell.confidence() >= g.cfg.MinConfidence

	switch {
	case buyOK && sellOK, (buyOK || sellOK) && g.groupsDisagree(snap):
		g.logger.Debug().
			Str("pair", pair).
			Float64("buy", buy.confidence()).
			Float64("sell", sell.confidence()).
			Msg("Contradictory rule groups, holding")
		return sig
	case buyOK:
		sig.Direction = models.DirectionBuy
		sig.Confidence = buy.confidence()
		sig.Factors = buy.factors
	case sellOK:
		sig.Direction = models.DirectionSell
		sig.Confidence = sell.confidence()
		sig.Factors = sell.factors
	default:
		best := buy
		if sell.points > buy.points {
			best = sell
		}
		sig.Confidence = best.confidence()
		sig.Factors = best.factors
		return sig
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastSignal[pair]; ok && sig.Timestamp.Sub(last) < g.cfg.MinInterval {
		g.logger.Debug().
			Str("pair", pair).
			Str("direction", string(sig.Direction)).
			Time("last_signal", last).
			Msg("Signal suppressed by minimum interval")
		sig.Direction = models.DirectionHold
		return sig
	}
	g.lastSignal[pair] = sig.Timestamp

	g.logger.Info().
		Str("pair", pair).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("price", sig.Price).
		Msg("Signal generated")
	return sig
}

// Reset forgets the last emitted signal for pair
func (g *Generator) Reset(pair string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSignal, pair)
}

// groupsDisagree reports whether the momentum and reversion groups point in
// opposite directions. The reversion group takes its direction from the
// price extremes (RSI and the band edge); MACD only adds weight. Extremes
// on both sides count as a disagreement on their own.
func (g *Generator) groupsDisagree(snap models.IndicatorSnapshot) bool {
	var reversionBuy, reversionSell bool
	if snap.RSI < g.cfg.RSIOversold || snap.Close <= snap.BollingerLower {
		reversionBuy = true
	}
	if snap.RSI > g.cfg.RSIOverbought || snap.Close >= snap.BollingerUpper {
		reversionSell = true
	}
	if reversionBuy && reversionSell {
		return true
	}

	switch {
	case snap.EMAFast > snap.EMAMid && snap.EMAMid > snap.EMASlow:
		return reversionSell
	case snap.EMAFast < snap.EMAMid && snap.EMAMid < snap.EMASlow:
		return reversionBuy
	}
	return false
}

func (g *Generator) score(snap models.IndicatorSnapshot) (buy, sell scoreCard) {
	// Momentum group: EMA ordering, confirmed by trend strength.
	switch {
	case snap.EMAFast > snap.EMAMid && snap.EMAMid > snap.EMASlow:
		buy.add(RuleEMAAlignment, models.DirectionBuy, weightEMAAlignment)
		if snap.ADX >= g.cfg.ADXThreshold {
			buy.add(RuleADXTrend, models.DirectionBuy, weightADXTrend)
		}
	case snap.EMAFast < snap.EMAMid && snap.EMAMid < snap.EMASlow:
		sell.add(RuleEMAAlignment, models.DirectionSell, weightEMAAlignment)
		if snap.ADX >= g.cfg.ADXThreshold {
			sell.add(RuleADXTrend, models.DirectionSell, weightADXTrend)
		}
	}

	// Reversion group.
	if snap.RSI < g.cfg.RSIOversold {
		buy.add(RuleRSI, models.DirectionBuy, weightRSI)
	} else if snap.RSI > g.cfg.RSIOverbought {
		sell.add(RuleRSI, models.DirectionSell, weightRSI)
	}

	if snap.MACDHistogram > 0 {
		buy.add(RuleMACD, models.DirectionBuy, weightMACD)
	} else if snap.MACDHistogram < 0 {
		sell.add(RuleMACD, models.DirectionSell, weightMACD)
	}

	if snap.Close <= snap.BollingerLower {
		buy.add(RuleBollinger, models.DirectionBuy, weightBollinger)
	}
	if snap.Close >= snap.BollingerUpper {
		sell.add(RuleBollinger, models.DirectionSell, weightBollinger)
	}

	if snap.VolumeRatio >= g.cfg.VolumeThreshold {
		buy.add(RuleVolume, models.DirectionBuy, weightVolume)
		sell.add(RuleVolume, models.DirectionSell, weightVolume)
	}
	return buy, sell
}
