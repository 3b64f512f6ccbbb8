package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Alias1177/Trader/internal/indicators"
	"github.com/Alias1177/Trader/internal/notify"
	"github.com/Alias1177/Trader/internal/retry"
	"github.com/Alias1177/Trader/internal/trading/backtest"
	"github.com/Alias1177/Trader/internal/trading/ledger"
	"github.com/Alias1177/Trader/internal/trading/risk"
	"github.com/Alias1177/Trader/models"
)

// ErrStopped is returned by RunCycle after Stop
var ErrStopped = errors.New("trading loop stopped")

// Evaluator turns a candle window into a signal. *signals.Pipeline implements it.
type Evaluator interface {
	Evaluate(pair string, candles []models.Candle) (models.Signal, models.IndicatorSnapshot, error)
}

// Journal persists closed trades and equity points
type Journal interface {
	RecordTrade(ctx context.Context, t models.Trade) error
	RecordEquity(ctx context.Context, p models.EquityPoint) error
}

// Config controls scheduling
type Config struct {
	Pairs            []string
	TimeframeMinutes int
	Lookback         int
	CycleInterval    time.Duration
	PairTimeout      time.Duration
	// MaxParallel caps concurrent market-data fetches; zero means one per pair
	MaxParallel int
}

// Option configures optional collaborators
type Option func(*Loop)

// WithJournal records trades and equity points
func WithJournal(j Journal) Option {
	return func(l *Loop) { l.journal = j }
}

// WithNotifier sends trading events
func WithNotifier(n notify.Notifier) Option {
	return func(l *Loop) { l.notifier = n }
}

// WithLogger replaces the component logger derived from the global logger
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger.With().Str("component", "trading_loop").Logger() }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop is the live trading scheduler. It is the only writer of the risk
// manager and the ledger while it runs.
type Loop struct {
	cfg       Config
	exchange  models.Exchange
	evaluator Evaluator
	risk      *risk.Manager
	ledger    *ledger.Ledger
	retry     *retry.Policy
	journal   Journal
	notifier  notify.Notifier
	now       func() time.Time
	logger    zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	// cycleMu is held for a whole cycle and for shutdown
	cycleMu    sync.Mutex
	stopped    bool
	startedAt  time.Time
	cycles     int
	lastPrices map[string]float64
	equity     []models.EquityPoint
	report     *models.FinalReport
	stopErr    error
}

// New creates a trading loop. book must report closes to riskManager.
func New(cfg Config, exchange models.Exchange, evaluator Evaluator, riskManager *risk.Manager, book *ledger.Ledger, policy *retry.Policy, opts ...Option) *Loop {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = cfg.CycleInterval / 3
	}
	if policy == nil {
		policy = retry.NewPolicy(3, 0, 0)
	}

	l := &Loop{
		cfg:        cfg,
		exchange:   exchange,
		evaluator:  evaluator,
		risk:       riskManager,
		ledger:     book,
		retry:      policy,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     log.With().Str("component", "trading_loop").Logger(),
		stopCh:     make(chan struct{}),
		lastPrices: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type pairResult struct {
	pair   string
	price  float64
	at     time.Time
	signal models.Signal
	err    error
}

// Run executes a cycle immediately and then on every tick until ctx is
// done or Stop is called. Cancelling ctx is only observed between cycles: a
// cycle that has started runs to completion, each exchange call bounded by
// PairTimeout, so an order sent before shutdown is always booked. Only ledger
// invariant violations and collaborator panics end Run with an error.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Strs("pairs", l.cfg.Pairs).
		Dur("interval", l.cfg.CycleInterval).
		Msg("Trading loop started")

	cycleCtx := context.WithoutCancel(ctx)
	if err := l.runTick(cycleCtx); err != nil {
		return err
	}

	ticker := time.NewTicker(l.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Context cancelled, trading loop exiting")
			return nil
		case <-l.stopCh:
			l.logger.Info().Msg("Stop requested, trading loop exiting")
			return nil
		case <-ticker.C:
			if err := l.runTick(cycleCtx); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) runTick(ctx context.Context) error {
	err := l.RunCycle(ctx, l.cfg.Pairs)
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// RunCycle runs one cycle over pairs. Market data and signals are computed
// in parallel; exits, admissions and orders then run one pair at a time in
// sorted order. Failures of a single pair are logged and skipped.
func (l *Loop) RunCycle(ctx context.Context, pairs []string) error {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	if l.stopped {
		return ErrStopped
	}
	if l.cycles == 0 {
		l.startedAt = l.now()
	}
	l.cycles++

	results, err := l.evaluateAll(ctx, pairs)
	if err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].pair < results[j].pair })

	for _, res := range results {
		if res.err != nil {
			l.logger.Warn().Err(res.err).Str("pair", res.pair).Msg("Skipping pair this cycle")
			continue
		}
		l.lastPrices[res.pair] = res.price

		if err := l.manageExits(ctx, res.pair, res.price, res.at); err != nil {
			return err
		}
		if err := l.admit(ctx, res.signal); err != nil {
			return err
		}
	}

	l.recordEquity(ctx)
	return nil
}

// evaluateAll runs evaluate for every pair with at most MaxParallel fetches
// in flight. Per-pair failures are carried in the results; only a panic in
// a collaborator is returned, after the other pairs have finished.
func (l *Loop) evaluateAll(ctx context.Context, pairs []string) ([]pairResult, error) {
	results := make([]pairResult, len(pairs))

	var g errgroup.Group
	if l.cfg.MaxParallel > 0 {
		g.SetLimit(l.cfg.MaxParallel)
	}
	for i, pair := range pairs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("evaluate %s: panic: %v", pair, r)
				}
			}()
			results[i] = l.evaluate(ctx, pair)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluate fetches candles and computes the signal for one pair. It touches
// no shared state.
func (l *Loop) evaluate(ctx context.Context, pair string) pairResult {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.PairTimeout)
	defer cancel()

	res := pairResult{pair: pair}

	var candles []models.Candle
	err := l.retry.Do(ctx, "fetch_candles "+pair, func(ctx context.Context) error {
		var err error
		candles, err = l.exchange.FetchCandles(ctx, pair, l.cfg.TimeframeMinutes, l.cfg.Lookback)
		return err
	})
	if err != nil {
		res.err = fmt.Errorf("fetch candles: %w", err)
		return res
	}
	if len(candles) == 0 {
		res.err = fmt.Errorf("fetch candles: empty response for %s", pair)
		return res
	}

	last := candles[len(candles)-1]
	res.price = last.Close
	res.at = last.Timestamp

	sig, _, err := l.evaluator.Evaluate(pair, candles)
	switch {
	case errors.Is(err, indicators.ErrInsufficientHistory):
		l.logger.Debug().Str("pair", pair).Int("candles", len(candles)).Msg("Not enough history, holding")
		res.signal = sig
	case err != nil:
		res.err = fmt.Errorf("evaluate: %w", err)
	default:
		res.signal = sig
	}
	return res
}

// manageExits closes whatever the latest price triggers for pair. An order
// failure leaves that position's remaining exits for the next cycle.
func (l *Loop) manageExits(ctx context.Context, pair string, price float64, at time.Time) error {
	failed := make(map[string]bool)
	for _, exit := range l.ledger.Exits(pair, price) {
		if failed[exit.PositionID] {
			continue
		}

		result, err := l.placeOrder(ctx, models.OrderRequest{
			Pair:      pair,
			Side:      exit.Side.Opposite(),
			Size:      exit.Quantity,
			Price:     exit.Price,
			Reduce:    true,
			ClientRef: uuid.NewString(),
		})
		if err != nil {
			failed[exit.PositionID] = true
			l.logger.Error().
				Err(err).
				Str("pair", pair).
				Str("position", exit.PositionID).
				Str("reason", string(exit.Reason)).
				Msg("Exit order failed, retrying next cycle")
			continue
		}

		if err := l.applyExit(ctx, exit, result.FillPrice, at); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) applyExit(ctx context.Context, exit models.Exit, fill float64, at time.Time) error {
	wasPaused := l.risk.State().Paused

	trade, err := l.ledger.Apply(exit, fill, at)
	if err != nil {
		return fmt.Errorf("apply %s exit of %s: %w", exit.Reason, exit.PositionID, err)
	}

	if trade == nil {
		l.notify(ctx, notify.Event{
			Kind:   notify.PositionReduced,
			Pair:   exit.Pair,
			Side:   exit.Side,
			Price:  fill,
			Size:   exit.Quantity,
			Reason: string(exit.Reason),
			At:     at,
		})
	} else {
		l.notify(ctx, notify.Event{
			Kind:   notify.PositionClosed,
			Pair:   trade.Pair,
			Side:   trade.Side,
			Price:  fill,
			Size:   trade.Size,
			PnL:    trade.PnL,
			Reason: string(trade.ExitReason),
			At:     at,
		})
		if l.journal != nil {
			if err := l.journal.RecordTrade(ctx, *trade); err != nil {
				l.logger.Error().Err(err).Str("position", trade.PositionID).Msg("Failed to journal trade")
			}
		}
	}

	if state := l.risk.State(); state.Paused && !wasPaused {
		l.notify(ctx, notify.Event{
			Kind:   notify.TradingPaused,
			Reason: fmt.Sprintf("%d consecutive losing trades", state.ConsecutiveLosses),
			At:     at,
		})
	}
	return nil
}

// admit runs an actionable signal through the risk manager and opens the
// admitted position at the reported fill.
func (l *Loop) admit(ctx context.Context, sig models.Signal) error {
	if !sig.Actionable() {
		return nil
	}

	decision := l.risk.Evaluate(sig, l.ledger.OpenCount())
	if !decision.Admit {
		return nil
	}
	plan := *decision.Plan

	result, err := l.placeOrder(ctx, models.OrderRequest{
		Pair:      plan.Pair,
		Side:      plan.Side,
		Size:      plan.Size,
		Price:     sig.Price,
		ClientRef: uuid.NewString(),
	})
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("pair", plan.Pair).
			Str("side", string(plan.Side)).
			Float64("size", plan.Size).
			Msg("Entry order failed")
		return nil
	}
	if result.Size > 0 {
		plan.Size = result.Size
	}

	pos, err := l.ledger.Open(uuid.NewString(), plan, result.FillPrice, sig.Timestamp)
	if err != nil {
		return fmt.Errorf("open %s position: %w", plan.Pair, err)
	}

	l.notify(ctx, notify.Event{
		Kind:  notify.PositionOpened,
		Pair:  pos.Pair,
		Side:  pos.Side,
		Price: pos.EntryPrice,
		Size:  pos.Size,
		At:    pos.OpenedAt,
	})
	return nil
}

// placeOrder submits an order once. Market orders are not retried so a lost
// acknowledgement cannot turn into a double fill.
func (l *Loop) placeOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.PairTimeout)
	defer cancel()

	result, err := l.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if !(result.FillPrice > 0) {
		return nil, fmt.Errorf("order %s reported fill price %v: %w", result.OrderID, result.FillPrice, models.ErrExchangeRejected)
	}
	return result, nil
}

func (l *Loop) recordEquity(ctx context.Context) {
	point := models.EquityPoint{
		Timestamp: l.now(),
		Equity:    l.risk.Capital() + l.ledger.UnrealizedPnL(l.lastPrices),
	}
	l.equity = append(l.equity, point)

	if l.journal != nil {
		if err := l.journal.RecordEquity(ctx, point); err != nil {
			l.logger.Error().Err(err).Msg("Failed to journal equity point")
		}
	}
}

func (l *Loop) notify(ctx context.Context, e notify.Event) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, e); err != nil {
		l.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Notification failed")
	}
}

// Stop waits for the in-flight cycle, closes every open position at market
// and returns the final report. Positions whose close order fails stay open
// and their errors are returned with the report. Later calls return the
// same report.
func (l *Loop) Stop(ctx context.Context) (*models.FinalReport, error) {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	if l.report != nil {
		return l.report, l.stopErr
	}
	l.stopped = true

	at := l.now()
	if l.startedAt.IsZero() {
		l.startedAt = at
	}

	var errs []error
	for _, exit := range l.ledger.ForceExits(l.lastPrices) {
		result, err := l.placeOrder(ctx, models.OrderRequest{
			Pair:      exit.Pair,
			Side:      exit.Side.Opposite(),
			Size:      exit.Quantity,
			Price:     exit.Price,
			Reduce:    true,
			ClientRef: uuid.NewString(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", exit.PositionID, err))
			continue
		}
		if err := l.applyExit(ctx, exit, result.FillPrice, at); err != nil {
			errs = append(errs, err)
		}
	}

	l.recordEquity(ctx)

	state := l.risk.State()
	trades := l.ledger.Trades()
	periodsPerYear := float64(365*24*time.Hour) / float64(l.cfg.CycleInterval)

	l.report = &models.FinalReport{
		StartedAt:      l.startedAt,
		FinishedAt:     at,
		InitialCapital: state.InitialCapital,
		FinalCapital:   state.Capital,
		Trades:         trades,
		EquityCurve:    append([]models.EquityPoint(nil), l.equity...),
		Metrics:        backtest.CalculatePerformanceMetrics(trades, l.equity, state.InitialCapital, periodsPerYear),
	}
	l.stopErr = errors.Join(errs...)

	l.notify(ctx, notify.Event{
		Kind:   notify.SessionFinished,
		Reason: fmt.Sprintf("%d trades, return %.2f%%", len(trades), l.report.Metrics.TotalReturn*100),
		At:     at,
	})

	l.logger.Info().
		Int("cycles", l.cycles).
		Int("trades", len(trades)).
		Float64("final_capital", state.Capital).
		Int("still_open", l.ledger.OpenCount()).
		Msg("Trading loop stopped")

	return l.report, l.stopErr
}

// RiskState returns a copy of the risk state
func (l *Loop) RiskState() models.RiskState {
	return l.risk.State()
}

// OpenPositions returns copies of the open positions
func (l *Loop) OpenPositions() []*models.Position {
	return l.ledger.OpenPositions()
}

// Resume clears a loss-streak pause
func (l *Loop) Resume() {
	l.risk.Resume()
}
