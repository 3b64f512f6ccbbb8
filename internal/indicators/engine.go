package indicators

import (
	"errors"
	"fmt"
	"math"

	"github.com/Alias1177/Trader/models"
)

// ErrInsufficientHistory is returned when the candle sequence is shorter
// than the longest indicator lookback. Callers treat it as "hold".
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Params holds indicator periods
type Params struct {
	EMAFast      int     `yaml:"ema_fast"`
	EMAMid       int     `yaml:"ema_mid"`
	EMASlow      int     `yaml:"ema_slow"`
	RSIPeriod    int     `yaml:"rsi_period"`
	MACDFast     int     `yaml:"macd_fast"`
	MACDSlow     int     `yaml:"macd_slow"`
	MACDSignal   int     `yaml:"macd_signal"`
	BBPeriod     int     `yaml:"bb_period"`
	BBStdDev     float64 `yaml:"bb_std_dev"`
	ATRPeriod    int     `yaml:"atr_period"`
	ADXPeriod    int     `yaml:"adx_period"`
	VolumePeriod int     `yaml:"volume_period"`
}

// DefaultParams returns the standard periods used by the bot
func DefaultParams() Params {
	return Params{
		EMAFast:      12,
		EMAMid:       50,
		EMASlow:      200,
		RSIPeriod:    14,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
		BBPeriod:     20,
		BBStdDev:     2.0,
		ATRPeriod:    14,
		ADXPeriod:    14,
		VolumePeriod: 20,
	}
}

// Validate checks that every period is usable
func (p Params) Validate() error {
	var errs []error
	periods := []struct {
		name  string
		value int
	}{
		{"ema_fast", p.EMAFast},
		{"ema_mid", p.EMAMid},
		{"ema_slow", p.EMASlow},
		{"rsi_period", p.RSIPeriod},
		{"macd_fast", p.MACDFast},
		{"macd_slow", p.MACDSlow},
		{"macd_signal", p.MACDSignal},
		{"bb_period", p.BBPeriod},
		{"atr_period", p.ATRPeriod},
		{"adx_period", p.ADXPeriod},
		{"volume_period", p.VolumePeriod},
	}
	for _, period := range periods {
		if period.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", period.name, period.value))
		}
	}
	if p.BBStdDev <= 0 {
		errs = append(errs, fmt.Errorf("bb_std_dev must be positive, got %v", p.BBStdDev))
	}
	if p.MACDFast >= p.MACDSlow {
		errs = append(errs, fmt.Errorf("macd_fast (%d) must be below macd_slow (%d)", p.MACDFast, p.MACDSlow))
	}
	if !(p.EMAFast < p.EMAMid && p.EMAMid < p.EMASlow) {
		errs = append(errs, fmt.Errorf("ema periods must be increasing: %d/%d/%d", p.EMAFast, p.EMAMid, p.EMASlow))
	}
	return errors.Join(errs...)
}

// Engine computes indicator snapshots. It holds no state between calls.
type Engine struct {
	params Params
}

// NewEngine creates an indicator engine
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// Params returns the engine's periods
func (e *Engine) Params() Params {
	return e.params
}

// RequiredHistory is the minimum number of candles needed for a valid snapshot
func (e *Engine) RequiredHistory() int {
	p := e.params
	return maxInt(
		p.EMAFast, p.EMAMid, p.EMASlow,
		p.RSIPeriod+1,
		p.MACDSlow+p.MACDSignal-1,
		p.BBPeriod,
		p.ATRPeriod+1,
		2*p.ADXPeriod,
		p.VolumePeriod,
	)
}

// Snapshot computes every indicator at candles[index] using candles[:index+1].
// It never returns a partially filled snapshot.
func (e *Engine) Snapshot(candles []models.Candle, index int) (models.IndicatorSnapshot, error) {
	if index < 0 || index >= len(candles) {
		return models.IndicatorSnapshot{}, fmt.Errorf("index %d out of range [0,%d): %w", index, len(candles), ErrInsufficientHistory)
	}
	window := candles[:index+1]
	if len(window) < e.RequiredHistory() {
		return models.IndicatorSnapshot{}, fmt.Errorf("have %d candles, need %d: %w", len(window), e.RequiredHistory(), ErrInsufficientHistory)
	}

	p := e.params
	closes := Closes(window)
	volumes := make([]float64, len(window))
	for i, c := range window {
		volumes[i] = c.Volume
	}

	macd, signal, hist := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	upper, mid, lower := Bollinger(closes, p.BBPeriod, p.BBStdDev)
	adx, plusDI, minusDI := ADX(window, p.ADXPeriod)
	volMA := SMA(volumes, p.VolumePeriod)

	snap := models.IndicatorSnapshot{
		Index:          index,
		Timestamp:      window[index].Timestamp,
		Close:          window[index].Close,
		EMAFast:        last(EMA(closes, p.EMAFast)),
		EMAMid:         last(EMA(closes, p.EMAMid)),
		EMASlow:        last(EMA(closes, p.EMASlow)),
		RSI:            last(RSI(closes, p.RSIPeriod)),
		MACD:           last(macd),
		MACDSignal:     last(signal),
		MACDHistogram:  last(hist),
		BollingerUpper: last(upper),
		BollingerMid:   last(mid),
		BollingerLower: last(lower),
		ATR:            last(ATR(window, p.ATRPeriod)),
		ADX:            last(adx),
		PlusDI:         last(plusDI),
		MinusDI:        last(minusDI),
		Volume:         window[index].Volume,
		VolumeMA:       last(volMA),
	}
	if snap.VolumeMA > 0 {
		snap.VolumeRatio = snap.Volume / snap.VolumeMA
	}

	if err := checkFinite(snap); err != nil {
		return models.IndicatorSnapshot{}, err
	}
	return snap, nil
}

// Closes extracts close prices
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func checkFinite(s models.IndicatorSnapshot) error {
	for _, v := range []float64{
		s.EMAFast, s.EMAMid, s.EMASlow, s.RSI, s.MACD, s.MACDSignal, s.MACDHistogram,
		s.BollingerUpper, s.BollingerMid, s.BollingerLower, s.ATR, s.ADX, s.VolumeMA,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("indicator not yet defined at index %d: %w", s.Index, ErrInsufficientHistory)
		}
	}
	return nil
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func maxInt(values ...int) int {
	m := 0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
