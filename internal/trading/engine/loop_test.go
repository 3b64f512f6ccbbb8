package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Trader/internal/indicators"
	"github.com/Alias1177/Trader/internal/notify"
	"github.com/Alias1177/Trader/internal/retry"
	"github.com/Alias1177/Trader/internal/trading/ledger"
	"github.com/Alias1177/Trader/internal/trading/risk"
	"github.com/Alias1177/Trader/models"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeExchange struct {
	mu       sync.Mutex
	candles  map[string][]models.Candle
	fetchErr map[string]error
	orderErr func(req models.OrderRequest) error
	orders   []models.OrderRequest
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		candles:  make(map[string][]models.Candle),
		fetchErr: make(map[string]error),
	}
}

func (f *fakeExchange) setPrice(pair string, price float64, minute int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[pair] = []models.Candle{{
		Timestamp: testStart.Add(time.Duration(minute) * time.Minute),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    1000,
	}}
}

func (f *fakeExchange) FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[pair]; err != nil {
		return nil, err
	}
	return f.candles[pair], nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		if err := f.orderErr(req); err != nil {
			return nil, err
		}
	}
	f.orders = append(f.orders, req)
	return &models.OrderResult{
		OrderID:   fmt.Sprintf("order-%d", len(f.orders)),
		Pair:      req.Pair,
		Side:      req.Side,
		Size:      req.Size,
		FillPrice: req.Price,
	}, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context) (models.Balance, error) {
	return models.Balance{}, nil
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

// scriptedEvaluator emits the configured direction for a pair once
type scriptedEvaluator struct {
	mu         sync.Mutex
	directions map[string]models.Direction
	err        error
}

func (s *scriptedEvaluator) set(pair string, d models.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directions[pair] = d
}

func (s *scriptedEvaluator) Evaluate(pair string, candles []models.Candle) (models.Signal, models.IndicatorSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := candles[len(candles)-1]
	sig := models.Signal{Pair: pair, Direction: models.DirectionHold, Timestamp: last.Timestamp, Price: last.Close}
	if s.err != nil {
		return sig, models.IndicatorSnapshot{}, s.err
	}
	if d, ok := s.directions[pair]; ok {
		sig.Direction = d
		sig.Confidence = 0.9
		sig.ATR = 2
		delete(s.directions, pair)
	}
	return sig, models.IndicatorSnapshot{}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type memoryJournal struct {
	mu     sync.Mutex
	trades []models.Trade
	equity []models.EquityPoint
}

func (m *memoryJournal) RecordTrade(ctx context.Context, t models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *memoryJournal) RecordEquity(ctx context.Context, p models.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, p)
	return nil
}

type harness struct {
	loop      *Loop
	exchange  *fakeExchange
	evaluator *scriptedEvaluator
	notifier  *recordingNotifier
	journal   *memoryJournal
	risk      *risk.Manager
}

func newHarness(t *testing.T, pairs []string, maxLosses int) *harness {
	t.Helper()

	riskManager := risk.NewManager(risk.Config{
		InitialCapital:       10000,
		RiskPerTrade:         0.02,
		MaxPositions:         5,
		MaxPositionSize:      0.10,
		MaxDrawdown:          0.5,
		MaxConsecutiveLosses: maxLosses,
		ATRMultiplier:        2,
		TakeProfit:           risk.DefaultTiers(),
	})
	book := ledger.New(riskManager, 0)

	clock := testStart
	h := &harness{
		exchange:  newFakeExchange(),
		evaluator: &scriptedEvaluator{directions: make(map[string]models.Direction)},
		notifier:  &recordingNotifier{},
		journal:   &memoryJournal{},
		risk:      riskManager,
	}
	h.loop = New(
		Config{Pairs: pairs, TimeframeMinutes: 5, Lookback: 10, CycleInterval: time.Minute, PairTimeout: time.Second},
		h.exchange,
		h.evaluator,
		riskManager,
		book,
		retry.NewPolicy(1, time.Millisecond, time.Millisecond),
		WithJournal(h.journal),
		WithNotifier(h.notifier),
		WithClock(func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		}),
	)
	return h
}

func TestRunCycleOpensPosition(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	ctx := context.Background()

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	positions := h.loop.OpenPositions()
	require.Len(t, positions, 1)
	p := positions[0]
	// risk size 200/4 = 50 is capped by 10% of capital at 100
	assert.InDelta(t, 10, p.Size, 1e-9)
	assert.InDelta(t, 96, p.StopPrice, 1e-9)
	require.Len(t, p.Tiers, 3)
	assert.InDelta(t, 103, p.Tiers[0].Price, 1e-9)
	assert.InDelta(t, 105, p.Tiers[1].Price, 1e-9)
	assert.InDelta(t, 108, p.Tiers[2].Price, 1e-9)

	require.Equal(t, 1, h.exchange.orderCount())
	order := h.exchange.orders[0]
	assert.Equal(t, models.SideBuy, order.Side)
	assert.False(t, order.Reduce)
	assert.NotEmpty(t, order.ClientRef)

	assert.Equal(t, []notify.Kind{notify.PositionOpened}, h.notifier.kinds())
	assert.Len(t, h.journal.equity, 1)
}

func TestRunCycleTakeProfitLadder(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	ctx := context.Background()

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	// crosses the first two tiers
	h.exchange.setPrice("XBTUSD", 105.5, 5)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	positions := h.loop.OpenPositions()
	require.Len(t, positions, 1)
	assert.InDelta(t, 3, positions[0].Remaining, 1e-9)
	assert.Equal(t, models.PositionPartialClosed, positions[0].Status)

	h.exchange.setPrice("XBTUSD", 108, 10)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))
	assert.Empty(t, h.loop.OpenPositions())

	require.Len(t, h.journal.trades, 1)
	trade := h.journal.trades[0]
	assert.InDelta(t, 3*3+4*5+3*8, trade.PnL, 1e-9)
	assert.Equal(t, models.ExitTakeProfit, trade.ExitReason)
	assert.InDelta(t, 10053, h.risk.Capital(), 1e-9)

	assert.Equal(t, []notify.Kind{
		notify.PositionOpened,
		notify.PositionReduced,
		notify.PositionReduced,
		notify.PositionClosed,
	}, h.notifier.kinds())

	for _, order := range h.exchange.orders[1:] {
		assert.True(t, order.Reduce)
		assert.Equal(t, models.SideSell, order.Side)
	}
	assert.Len(t, h.journal.equity, 3)
}

func TestRunCycleSkipsFailingPair(t *testing.T) {
	h := newHarness(t, []string{"ETHUSD", "XBTUSD"}, 3)
	ctx := context.Background()

	h.exchange.fetchErr["ETHUSD"] = fmt.Errorf("unknown pair: %w", models.ErrExchangeRejected)
	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("ETHUSD", models.DirectionBuy)
	h.evaluator.set("XBTUSD", models.DirectionBuy)

	require.NoError(t, h.loop.RunCycle(ctx, []string{"ETHUSD", "XBTUSD"}))

	positions := h.loop.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "XBTUSD", positions[0].Pair)
}

func TestRunCycleRetriesTransientFetch(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	h.loop.retry = retry.NewPolicy(3, time.Millisecond, time.Millisecond)

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)

	calls := 0
	h.loop.exchange = &flakyExchange{fakeExchange: h.exchange, failures: 2, calls: &calls}
	require.NoError(t, h.loop.RunCycle(context.Background(), []string{"XBTUSD"}))

	assert.Equal(t, 3, calls)
	assert.Len(t, h.loop.OpenPositions(), 1)
}

type flakyExchange struct {
	*fakeExchange
	failures int
	calls    *int
}

func (f *flakyExchange) FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]models.Candle, error) {
	*f.calls++
	if *f.calls <= f.failures {
		return nil, fmt.Errorf("connection reset: %w", models.ErrNetwork)
	}
	return f.fakeExchange.FetchCandles(ctx, pair, timeframeMinutes, lookback)
}

func TestRunCycleExitOrderFailure(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	ctx := context.Background()

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	h.exchange.orderErr = func(req models.OrderRequest) error {
		if req.Reduce {
			return fmt.Errorf("timeout: %w", models.ErrNetwork)
		}
		return nil
	}
	h.exchange.setPrice("XBTUSD", 109, 5)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	positions := h.loop.OpenPositions()
	require.Len(t, positions, 1)
	assert.InDelta(t, 10, positions[0].Remaining, 1e-9, "nothing booked without a fill")

	h.exchange.orderErr = nil
	h.exchange.setPrice("XBTUSD", 109, 10)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))
	assert.Empty(t, h.loop.OpenPositions())
}

func TestRunCyclePauseAfterLossStreak(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 1)
	ctx := context.Background()

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	// stop at 96
	h.exchange.setPrice("XBTUSD", 95, 5)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))
	assert.Empty(t, h.loop.OpenPositions())
	assert.True(t, h.loop.RiskState().Paused)
	assert.Contains(t, h.notifier.kinds(), notify.TradingPaused)
	assert.InDelta(t, 10000-40, h.risk.Capital(), 1e-9)

	h.exchange.setPrice("XBTUSD", 100, 10)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))
	assert.Equal(t, 2, h.exchange.orderCount(), "paused loop places no entry")

	h.loop.Resume()
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	h.exchange.setPrice("XBTUSD", 100, 15)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))
	assert.Equal(t, 3, h.exchange.orderCount())
	assert.Len(t, h.loop.OpenPositions(), 1)
}

func TestRunCycleInsufficientHistory(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	h.evaluator.err = fmt.Errorf("XBTUSD: %w", indicators.ErrInsufficientHistory)

	h.exchange.setPrice("XBTUSD", 100, 0)
	require.NoError(t, h.loop.RunCycle(context.Background(), []string{"XBTUSD"}))

	assert.Zero(t, h.exchange.orderCount())
	assert.Len(t, h.journal.equity, 1)
}

func TestStopForceClosesAndReports(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	ctx := context.Background()

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	h.exchange.setPrice("XBTUSD", 101, 5)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	report, err := h.loop.Stop(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Empty(t, h.loop.OpenPositions())
	require.Len(t, report.Trades, 1)
	assert.Equal(t, models.ExitShutdown, report.Trades[0].ExitReason)
	assert.InDelta(t, 10, report.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 10010, report.FinalCapital, 1e-9)
	assert.Equal(t, 10000.0, report.InitialCapital)
	assert.Len(t, report.EquityCurve, 3)
	assert.Equal(t, 1, report.Metrics.TotalTrades)
	assert.Contains(t, h.notifier.kinds(), notify.SessionFinished)

	again, err := h.loop.Stop(ctx)
	require.NoError(t, err)
	assert.Same(t, report, again)

	assert.ErrorIs(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}), ErrStopped)
}

func TestStopReportsFailedCloses(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	ctx := context.Background()

	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)
	require.NoError(t, h.loop.RunCycle(ctx, []string{"XBTUSD"}))

	h.exchange.orderErr = func(req models.OrderRequest) error {
		return fmt.Errorf("maintenance: %w", models.ErrExchangeRejected)
	}
	report, err := h.loop.Stop(ctx)
	assert.ErrorIs(t, err, models.ErrExchangeRejected)
	require.NotNil(t, report)
	assert.Empty(t, report.Trades)
	assert.Len(t, h.loop.OpenPositions(), 1)
}

func TestRunStopsOnStop(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	h.loop.cfg.CycleInterval = 5 * time.Millisecond
	h.exchange.setPrice("XBTUSD", 100, 0)

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		h.loop.cycleMu.Lock()
		defer h.loop.cycleMu.Unlock()
		return h.loop.cycles >= 2
	}, time.Second, time.Millisecond)

	_, err := h.loop.Stop(context.Background())
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	h.exchange.setPrice("XBTUSD", 100, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.loop.Run(ctx))
}

// slowExchange delays candle fetches and reports when the first one starts
type slowExchange struct {
	*fakeExchange
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (s *slowExchange) FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]models.Candle, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.fakeExchange.FetchCandles(ctx, pair, timeframeMinutes, lookback)
}

func TestRunFinishesInFlightCycleOnCancel(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	h.exchange.setPrice("XBTUSD", 100, 0)
	h.evaluator.set("XBTUSD", models.DirectionBuy)

	slow := &slowExchange{fakeExchange: h.exchange, delay: 50 * time.Millisecond, started: make(chan struct{})}
	h.loop.exchange = slow

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	select {
	case <-slow.started:
	case <-time.After(time.Second):
		t.Fatal("first cycle did not start")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, 1, h.exchange.orderCount(), "admitted order is sent despite cancellation")
	require.Len(t, h.loop.OpenPositions(), 1, "sent order is booked in the ledger")

	report, err := h.loop.Stop(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Trades, 1)
	assert.Equal(t, models.ExitShutdown, report.Trades[0].ExitReason)
}

// countingExchange records the peak number of concurrent fetches
type countingExchange struct {
	*fakeExchange
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingExchange) FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]models.Candle, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.fakeExchange.FetchCandles(ctx, pair, timeframeMinutes, lookback)
}

func TestRunCycleBoundsParallelFetches(t *testing.T) {
	pairs := []string{"ADAUSD", "ETHUSD", "SOLUSD", "XBTUSD"}

	tests := []struct {
		name     string
		limit    int
		wantPeak int32
	}{
		{name: "serial", limit: 1, wantPeak: 1},
		{name: "two at a time", limit: 2, wantPeak: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, pairs, 3)
			h.loop.cfg.MaxParallel = tt.limit
			for _, pair := range pairs {
				h.exchange.setPrice(pair, 100, 0)
				h.evaluator.set(pair, models.DirectionBuy)
			}
			counting := &countingExchange{fakeExchange: h.exchange}
			h.loop.exchange = counting

			require.NoError(t, h.loop.RunCycle(context.Background(), pairs))
			assert.LessOrEqual(t, counting.peak.Load(), tt.wantPeak)
			assert.Len(t, h.loop.OpenPositions(), len(pairs))
		})
	}
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(pair string, candles []models.Candle) (models.Signal, models.IndicatorSnapshot, error) {
	panic("corrupt window")
}

func TestRunCycleSurfacesEvaluatorPanic(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	h.exchange.setPrice("XBTUSD", 100, 0)
	h.loop.evaluator = panickingEvaluator{}

	err := h.loop.RunCycle(context.Background(), []string{"XBTUSD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt window")
	assert.Zero(t, h.exchange.orderCount())
}

func TestWithLoggerReceivesCycleLogs(t *testing.T) {
	h := newHarness(t, []string{"XBTUSD"}, 3)
	var buf bytes.Buffer
	WithLogger(zerolog.New(&buf))(h.loop)

	h.exchange.fetchErr["XBTUSD"] = fmt.Errorf("unknown pair: %w", models.ErrExchangeRejected)
	require.NoError(t, h.loop.RunCycle(context.Background(), []string{"XBTUSD"}))

	out := buf.String()
	assert.Contains(t, out, `"component":"trading_loop"`)
	assert.Contains(t, out, `"pair":"XBTUSD"`)
	assert.Contains(t, out, "Skipping pair this cycle")
}
