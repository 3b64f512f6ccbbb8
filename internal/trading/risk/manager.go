package risk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// RejectReason explains why a signal was not admitted
type RejectReason string

const (
	ReasonNotActionable RejectReason = "not_actionable"
	ReasonPaused        RejectReason = "paused"
	ReasonMaxDrawdown   RejectReason = "max_drawdown"
	ReasonMaxPositions  RejectReason = "max_positions"
	ReasonInvalidStop   RejectReason = "invalid_stop_distance"
	ReasonZeroSize      RejectReason = "zero_size"
)

// Config holds risk limits
type Config struct {
	InitialCapital       float64
	RiskPerTrade         float64
	MaxPositions         int
	MaxPositionSize      float64
	MaxDrawdown          float64
	MaxConsecutiveLosses int
	ATRMultiplier        float64
	TakeProfit           []TierSpec
	// PauseDuration is the cool-down after a loss streak. Zero keeps the
	// pause until Resume is called.
	PauseDuration time.Duration
}

// Decision is the result of evaluating a signal
type Decision struct {
	Admit  bool
	Reason RejectReason
	Plan   *OrderPlan
}

// CloseEvent reports realized PnL from a full or partial close
type CloseEvent struct {
	PositionID string
	Pair       string
	PnL        float64
	At         time.Time
	// PositionClosed is set on the close that brings the position to zero;
	// PositionPnL is then the position's total realized PnL.
	PositionClosed bool
	PositionPnL    float64
}

// Manager owns the portfolio risk state. All methods are safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	state models.RiskState
}

// NewManager creates a risk manager starting at cfg.InitialCapital
func NewManager(cfg Config) *Manager {
	if len(cfg.TakeProfit) == 0 {
		cfg.TakeProfit = DefaultTiers()
	}
	return &Manager{
		cfg:    cfg,
		logger: log.With().Str("component", "risk_manager").Logger(),
		state: models.RiskState{
			InitialCapital: cfg.InitialCapital,
			Capital:        cfg.InitialCapital,
			PeakEquity:     cfg.InitialCapital,
		},
	}
}

// Evaluate decides whether sig may open a new position given the number of
// positions already open, and sizes it when admitted.
func (m *Manager) Evaluate(sig models.Signal, openPositions int) Decision {
	side, ok := models.SideOf(sig.Direction)
	if !ok {
		return Decision{Reason: ReasonNotActionable}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeResume(sig.Timestamp)
	if m.state.Paused {
		return m.reject(sig, ReasonPaused)
	}
	if m.state.Drawdown >= m.cfg.MaxDrawdown {
		return m.reject(sig, ReasonMaxDrawdown)
	}
	if openPositions >= m.cfg.MaxPositions {
		return m.reject(sig, ReasonMaxPositions)
	}

	stopDistance := StopDistance(sig.ATR, m.cfg.ATRMultiplier)
	if !(stopDistance > 0) || math.IsInf(stopDistance, 0) {
		return m.reject(sig, ReasonInvalidStop)
	}

	size := CalculatePositionSize(sig.Price, stopDistance, m.state.Capital, m.cfg.RiskPerTrade, m.cfg.MaxPositionSize)
	if !(size > 0) {
		return m.reject(sig, ReasonZeroSize)
	}

	plan := &OrderPlan{
		Pair:           sig.Pair,
		Side:           side,
		Size:           size,
		ReferencePrice: sig.Price,
		ATR:            sig.ATR,
		StopDistance:   stopDistance,
		Confidence:     sig.Confidence,
	}
	for _, tier := range m.cfg.TakeProfit {
		plan.TierDistances = append(plan.TierDistances, tier.ATRMultiple*sig.ATR)
		plan.TierFractions = append(plan.TierFractions, tier.Fraction)
	}

	m.logger.Info().
		Str("pair", sig.Pair).
		Str("side", string(side)).
		Float64("size", size).
		Float64("stop_distance", stopDistance).
		Float64("capital", m.state.Capital).
		Msg("Signal admitted")

	return Decision{Admit: true, Plan: plan}
}

func (m *Manager) reject(sig models.Signal, reason RejectReason) Decision {
	m.logger.Info().
		Str("pair", sig.Pair).
		Str("direction", string(sig.Direction)).
		Str("reason", string(reason)).
		Msg("Signal rejected")
	return Decision{Reason: reason}
}

// maybeResume clears an expired pause. Caller holds m.mu.
func (m *Manager) maybeResume(now time.Time) {
	if !m.state.Paused || m.cfg.PauseDuration <= 0 {
		return
	}
	if now.Before(m.state.PausedAt.Add(m.cfg.PauseDuration)) {
		return
	}
	m.logger.Info().
		Time("paused_at", m.state.PausedAt).
		Dur("pause", m.cfg.PauseDuration).
		Msg("Cool-down elapsed, trading resumed")
	m.clearPause()
}

func (m *Manager) clearPause() {
	m.state.Paused = false
	m.state.PausedAt = time.Time{}
	m.state.ConsecutiveLosses = 0
}

// RecordClose applies realized PnL to capital and updates the equity curve,
// peak, drawdown and loss streak.
func (m *Manager) RecordClose(ev CloseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordClose(ev)
}

// Restore replays trades closed in earlier sessions, oldest first, so that
// capital, drawdown, the loss streak and a pending pause survive a restart.
// A pause restored this way keeps its original start, so the cool-down is
// measured from the losing close that triggered it. Call it before the
// first Evaluate.
func (m *Manager) Restore(trades []models.Trade) models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range trades {
		m.recordClose(CloseEvent{
			PositionID:     t.PositionID,
			Pair:           t.Pair,
			PnL:            t.PnL,
			At:             t.ClosedAt,
			PositionClosed: true,
			PositionPnL:    t.PnL,
		})
	}

	m.logger.Info().
		Int("trades", len(trades)).
		Float64("capital", m.state.Capital).
		Int("consecutive_losses", m.state.ConsecutiveLosses).
		Bool("paused", m.state.Paused).
		Msg("Risk state restored")

	s := m.state
	s.EquityCurve = append([]models.EquityPoint(nil), m.state.EquityCurve...)
	return s
}

// recordClose does the work of RecordClose. Caller holds m.mu.
func (m *Manager) recordClose(ev CloseEvent) {
	m.state.Capital += ev.PnL
	m.state.EquityCurve = append(m.state.EquityCurve, models.EquityPoint{Timestamp: ev.At, Equity: m.state.Capital})
	if m.state.Capital > m.state.PeakEquity {
		m.state.PeakEquity = m.state.Capital
	}
	if m.state.PeakEquity > 0 {
		m.state.Drawdown = (m.state.PeakEquity - m.state.Capital) / m.state.PeakEquity
	}

	if !ev.PositionClosed {
		return
	}
	if ev.PositionPnL < 0 {
		m.state.ConsecutiveLosses++
	} else {
		m.state.ConsecutiveLosses = 0
	}

	if !m.state.Paused && m.state.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		m.state.Paused = true
		m.state.PausedAt = ev.At
		m.logger.Warn().
			Int("consecutive_losses", m.state.ConsecutiveLosses).
			Time("paused_at", ev.At).
			Msg("Loss streak limit reached, trading paused")
	}
}

// Resume clears a pause immediately
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Paused {
		m.logger.Info().Msg("Trading resumed manually")
	}
	m.clearPause()
}

// State returns a copy of the current risk state
func (m *Manager) State() models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.EquityCurve = append([]models.EquityPoint(nil), m.state.EquityCurve...)
	return s
}

// Capital returns current capital
func (m *Manager) Capital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Capital
}
