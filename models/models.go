package models

import (
	"time"
)

// Candle represents a single OHLCV bar
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Direction is the outcome of signal evaluation
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Side is the side of a position or order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that reduces a position opened on s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for long and -1 for short
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// SideOf maps an actionable direction to a position side
func SideOf(d Direction) (Side, bool) {
	switch d {
	case DirectionBuy:
		return SideBuy, true
	case DirectionSell:
		return SideSell, true
	}
	return "", false
}

// IndicatorSnapshot holds indicator values at a single reference index
type IndicatorSnapshot struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Close     float64   `json:"close"`

	EMAFast float64 `json:"ema_fast"`
	EMAMid  float64 `json:"ema_mid"`
	EMASlow float64 `json:"ema_slow"`

	RSI            float64 `json:"rsi"`
	MACD           float64 `json:"macd"`
	MACDSignal     float64 `json:"macd_signal"`
	MACDHistogram  float64 `json:"macd_histogram"`
	BollingerUpper float64 `json:"bb_upper"`
	BollingerMid   float64 `json:"bb_middle"`
	BollingerLower float64 `json:"bb_lower"`
	ATR            float64 `json:"atr"`
	ADX            float64 `json:"adx"`
	PlusDI         float64 `json:"plus_di"`
	MinusDI        float64 `json:"minus_di"`

	Volume      float64 `json:"volume"`
	VolumeMA    float64 `json:"volume_ma"`
	VolumeRatio float64 `json:"volume_ratio"`
}

// Factor is one rule's contribution to a signal
type Factor struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Weight    float64   `json:"weight"`
}

// Signal is a timestamped trading intent for one pair
type Signal struct {
	Pair       string    `json:"pair"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	ATR        float64   `json:"atr"`
	Factors    []Factor  `json:"factors,omitempty"`
}

// Actionable reports whether the signal asks for a new position
func (s Signal) Actionable() bool {
	return s.Direction == DirectionBuy || s.Direction == DirectionSell
}

// TakeProfitTier is a partial exit target
type TakeProfitTier struct {
	Price    float64 `json:"price"`
	Fraction float64 `json:"fraction"`
	Filled   bool    `json:"filled"`
}

// PositionStatus tracks the life of a position
type PositionStatus string

const (
	PositionOpen          PositionStatus = "open"
	PositionPartialClosed PositionStatus = "partially_closed"
	PositionClosed        PositionStatus = "closed"
)

// Position is an open or closed exposure in one pair
type Position struct {
	ID          string           `json:"id"`
	Pair        string           `json:"pair"`
	Side        Side             `json:"side"`
	EntryPrice  float64          `json:"entry_price"`
	Size        float64          `json:"size"`
	Remaining   float64          `json:"remaining"`
	StopPrice   float64          `json:"stop_price"`
	Tiers       []TakeProfitTier `json:"take_profit"`
	Status      PositionStatus   `json:"status"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    time.Time        `json:"closed_at,omitempty"`
	RealizedPnL float64          `json:"realized_pnl"`
	Fees        float64          `json:"fees"`
	ExitValue   float64          `json:"exit_value"`
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	c := *p
	c.Tiers = append([]TakeProfitTier(nil), p.Tiers...)
	return &c
}

// ExitReason says why a position was reduced
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitShutdown   ExitReason = "shutdown"
)

// Exit is a planned reduction of a position
type Exit struct {
	PositionID string     `json:"position_id"`
	Pair       string     `json:"pair"`
	Side       Side       `json:"side"`
	Reason     ExitReason `json:"reason"`
	Tier       int        `json:"tier"`
	Quantity   float64    `json:"quantity"`
	Price      float64    `json:"price"`
	Final      bool       `json:"final"`
}

// Trade is the record of a fully closed position
type Trade struct {
	PositionID string     `json:"position_id"`
	Pair       string     `json:"pair"`
	Side       Side       `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Size       float64    `json:"size"`
	PnL        float64    `json:"pnl"`
	Fees       float64    `json:"fees"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   time.Time  `json:"closed_at"`
	ExitReason ExitReason `json:"exit_reason"`
}

// EquityPoint is a timestamped equity value
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// RiskState is the portfolio-level risk picture
type RiskState struct {
	InitialCapital    float64       `json:"initial_capital"`
	Capital           float64       `json:"capital"`
	PeakEquity        float64       `json:"peak_equity"`
	Drawdown          float64       `json:"drawdown"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	Paused            bool          `json:"paused"`
	PausedAt          time.Time     `json:"paused_at,omitempty"`
	EquityCurve       []EquityPoint `json:"equity_curve"`
}

// Metrics summarises a run
type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	TotalReturn    float64 `json:"total_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	RecoveryFactor float64 `json:"recovery_factor"`
	TotalFees      float64 `json:"total_fees"`
}

// FinalReport is produced at the end of a live session or a backtest
type FinalReport struct {
	Pair           string        `json:"pair,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	InitialCapital float64       `json:"initial_capital"`
	FinalCapital   float64       `json:"final_capital"`
	Trades         []Trade       `json:"trades"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
	Metrics        Metrics       `json:"metrics"`
}

// OrderRequest is a market order sent to an exchange
type OrderRequest struct {
	Pair      string  `json:"pair"`
	Side      Side    `json:"side"`
	Size      float64 `json:"size"`
	Price     float64 `json:"price"`
	Reduce    bool    `json:"reduce"`
	ClientRef string  `json:"client_ref"`
}

// OrderResult is the exchange acknowledgement of a fill
type OrderResult struct {
	OrderID   string    `json:"order_id"`
	Pair      string    `json:"pair"`
	Side      Side      `json:"side"`
	Size      float64   `json:"size"`
	FillPrice float64   `json:"fill_price"`
	FilledAt  time.Time `json:"filled_at"`
}

// Balance maps asset codes to available amounts
type Balance map[string]float64
