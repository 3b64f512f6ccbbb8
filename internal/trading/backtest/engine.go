package backtest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/api/paper"
	"github.com/Alias1177/Trader/internal/indicators"
	"github.com/Alias1177/Trader/internal/signals"
	"github.com/Alias1177/Trader/internal/trading/ledger"
	"github.com/Alias1177/Trader/internal/trading/risk"
	"github.com/Alias1177/Trader/models"
)

// Config holds everything a replay needs. It is the same strategy
// configuration the live loop runs with, plus simulated execution costs.
type Config struct {
	TimeframeMinutes int
	Lookback         int
	FeeRate          float64
	Slippage         float64
	Indicators       indicators.Params
	Signals          signals.Config
	Risk             risk.Config
}

// Engine replays historical candles through the live decision pipeline
type Engine struct {
	config Config
	logger zerolog.Logger
}

// NewEngine creates a new backtesting engine
func NewEngine(cfg Config) *Engine {
	return &Engine{
		config: cfg,
		logger: log.With().Str("component", "backtest").Logger(),
	}
}

// Run replays candles for one pair. Signals computed on the close of candle
// i are filled at the open of candle i+1. The run is deterministic: the same
// candles and configuration always give the same report.
func (e *Engine) Run(pair string, candles []models.Candle) (*models.FinalReport, error) {
	engine := indicators.NewEngine(e.config.Indicators)
	if len(candles) < engine.RequiredHistory()+1 {
		return nil, fmt.Errorf("backtest %s: have %d candles, need more than %d: %w",
			pair, len(candles), engine.RequiredHistory(), indicators.ErrInsufficientHistory)
	}
	lookback := e.config.Lookback
	if lookback < engine.RequiredHistory() {
		lookback = engine.RequiredHistory()
	}

	pipeline := signals.NewPipeline(engine, signals.NewGenerator(e.config.Signals))
	riskManager := risk.NewManager(e.config.Risk)
	book := ledger.New(riskManager, e.config.FeeRate)

	report := &models.FinalReport{
		Pair:           pair,
		StartedAt:      candles[0].Timestamp,
		FinishedAt:     candles[len(candles)-1].Timestamp,
		InitialCapital: e.config.Risk.InitialCapital,
	}

	var pending *risk.OrderPlan
	seq := 0
	for i, candle := range candles {
		if pending != nil {
			seq++
			fill := paper.SimulatedFill(pending.Side, candle.Open, e.config.Slippage)
			if _, err := book.Open(fmt.Sprintf("%s-%05d", pair, seq), *pending, fill, candle.Timestamp); err != nil {
				return nil, fmt.Errorf("backtest %s at %d: %w", pair, i, err)
			}
			pending = nil
		}

		for _, exit := range book.Exits(pair, candle.Close) {
			if err := e.apply(book, exit, candle); err != nil {
				return nil, fmt.Errorf("backtest %s at %d: %w", pair, i, err)
			}
		}

		if i+1 < len(candles) {
			start := i + 1 - lookback
			if start < 0 {
				start = 0
			}
			sig, _, err := pipeline.Evaluate(pair, candles[start:i+1])
			switch {
			case errors.Is(err, indicators.ErrInsufficientHistory):
			case err != nil:
				return nil, fmt.Errorf("backtest %s at %d: %w", pair, i, err)
			case sig.Actionable():
				if d := riskManager.Evaluate(sig, book.OpenCount()); d.Admit {
					pending = d.Plan
				}
			}
		}

		equity := riskManager.Capital() + book.UnrealizedPnL(map[string]float64{pair: candle.Close})
		report.EquityCurve = append(report.EquityCurve, models.EquityPoint{Timestamp: candle.Timestamp, Equity: equity})
	}

	last := candles[len(candles)-1]
	for _, exit := range book.ForceExits(map[string]float64{pair: last.Close}) {
		if err := e.apply(book, exit, last); err != nil {
			return nil, fmt.Errorf("backtest %s final close: %w", pair, err)
		}
	}
	report.EquityCurve[len(report.EquityCurve)-1].Equity = riskManager.Capital()

	report.Trades = book.Trades()
	report.FinalCapital = riskManager.Capital()
	report.Metrics = CalculatePerformanceMetrics(
		report.Trades,
		report.EquityCurve,
		report.InitialCapital,
		models.PeriodsPerYear(e.config.TimeframeMinutes),
	)

	e.logger.Info().
		Str("pair", pair).
		Int("candles", len(candles)).
		Int("trades", report.Metrics.TotalTrades).
		Float64("total_return", report.Metrics.TotalReturn).
		Float64("max_drawdown", report.Metrics.MaxDrawdown).
		Msg("Backtest finished")

	return report, nil
}

func (e *Engine) apply(book *ledger.Ledger, exit models.Exit, candle models.Candle) error {
	fill := paper.SimulatedFill(exit.Side.Opposite(), exit.Price, e.config.Slippage)
	_, err := book.Apply(exit, fill, candle.Timestamp)
	return err
}

// Summary aggregates independent per-pair replays
type Summary struct {
	Pairs          []string
	Reports        map[string]*models.FinalReport
	TotalTrades    int
	WinningTrades  int
	TotalPnL       float64
	AverageReturn  float64
	WorstDrawdown  float64
	InitialCapital float64
}

// RunPairs backtests every pair separately, each with its own capital, in
// sorted pair order.
func (e *Engine) RunPairs(series map[string][]models.Candle) (*Summary, error) {
	pairs := make([]string, 0, len(series))
	for pair := range series {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	summary := &Summary{
		Pairs:          pairs,
		Reports:        make(map[string]*models.FinalReport, len(pairs)),
		InitialCapital: e.config.Risk.InitialCapital,
	}
	for _, pair := range pairs {
		report, err := e.Run(pair, series[pair])
		if err != nil {
			return nil, err
		}
		summary.Reports[pair] = report
		summary.TotalTrades += report.Metrics.TotalTrades
		summary.WinningTrades += report.Metrics.WinningTrades
		summary.TotalPnL += report.FinalCapital - report.InitialCapital
		summary.AverageReturn += report.Metrics.TotalReturn
		if report.Metrics.MaxDrawdown > summary.WorstDrawdown {
			summary.WorstDrawdown = report.Metrics.MaxDrawdown
		}
	}
	if len(pairs) > 0 {
		summary.AverageReturn /= float64(len(pairs))
	}
	return summary, nil
}

// FormatResults creates a human-readable summary of a backtest report
func FormatResults(report *models.FinalReport) string {
	if report == nil {
		return "No backtest results available"
	}
	m := report.Metrics

	var b strings.Builder
	b.WriteString("\n===== BACKTEST RESULTS =====\n")
	if report.Pair != "" {
		fmt.Fprintf(&b, "Pair: %s\n", report.Pair)
	}
	fmt.Fprintf(&b, "Period: %s - %s\n", report.StartedAt.Format("2006-01-02 15:04"), report.FinishedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Initial capital: %.2f\n", report.InitialCapital)
	fmt.Fprintf(&b, "Final capital: %.2f\n", report.FinalCapital)
	fmt.Fprintf(&b, "Total return: %.2f%%\n", m.TotalReturn*100)
	fmt.Fprintf(&b, "Total trades: %d\n", m.TotalTrades)
	fmt.Fprintf(&b, "Winning trades: %d (%.2f%%)\n", m.WinningTrades, m.WinRate*100)
	fmt.Fprintf(&b, "Losing trades: %d\n", m.LosingTrades)
	fmt.Fprintf(&b, "Profit factor: %.2f\n", m.ProfitFactor)
	fmt.Fprintf(&b, "Sharpe ratio: %.2f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "Maximum drawdown: %.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(&b, "Recovery factor: %.2f\n", m.RecoveryFactor)
	fmt.Fprintf(&b, "Fees paid: %.2f\n", m.TotalFees)

	if len(report.Trades) > 0 {
		b.WriteString("\nExit reasons:\n")
		reasons := make(map[models.ExitReason]int)
		for _, t := range report.Trades {
			reasons[t.ExitReason]++
		}
		keys := make([]string, 0, len(reasons))
		for r := range reasons {
			keys = append(keys, string(r))
		}
		sort.Strings(keys)
		for _, r := range keys {
			fmt.Fprintf(&b, "- %s: %d\n", r, reasons[models.ExitReason(r)])
		}
	}
	return b.String()
}

// FormatSummary renders the multi-pair aggregate
func FormatSummary(s *Summary) string {
	if s == nil {
		return "No backtest results available"
	}
	var b strings.Builder
	b.WriteString("\n===== BACKTEST SUMMARY =====\n")
	for _, pair := range s.Pairs {
		r := s.Reports[pair]
		fmt.Fprintf(&b, "- %s: %d trades, return %.2f%%, max drawdown %.2f%%\n",
			pair, r.Metrics.TotalTrades, r.Metrics.TotalReturn*100, r.Metrics.MaxDrawdown*100)
	}
	winRate := 0.0
	if s.TotalTrades > 0 {
		winRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	fmt.Fprintf(&b, "Total trades: %d (win rate %.2f%%)\n", s.TotalTrades, winRate)
	fmt.Fprintf(&b, "Total PnL: %.2f\n", s.TotalPnL)
	fmt.Fprintf(&b, "Average return per pair: %.2f%%\n", s.AverageReturn*100)
	fmt.Fprintf(&b, "Worst drawdown: %.2f%%\n", s.WorstDrawdown*100)
	return b.String()
}
