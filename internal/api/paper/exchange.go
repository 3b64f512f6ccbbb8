package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// QuoteAsset is the simulated cash asset
const QuoteAsset = "USD"

// SimulatedFill applies slippage against the order side: buys fill higher,
// sells fill lower.
func SimulatedFill(side models.Side, price, slippage float64) float64 {
	if side == models.SideBuy {
		return price * (1 + slippage)
	}
	return price * (1 - slippage)
}

// Exchange simulates order execution on top of a real market-data source
type Exchange struct {
	source   models.CandleSource
	slippage float64
	logger   zerolog.Logger

	mu        sync.Mutex
	lastPrice map[string]float64
	balance   models.Balance
}

// New creates a paper exchange holding startingCash of QuoteAsset
func New(source models.CandleSource, startingCash, slippage float64) *Exchange {
	return &Exchange{
		source:    source,
		slippage:  slippage,
		logger:    log.With().Str("component", "paper_exchange").Logger(),
		lastPrice: make(map[string]float64),
		balance:   models.Balance{QuoteAsset: startingCash},
	}
}

// FetchCandles delegates to the market-data source and remembers the last close
func (e *Exchange) FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]models.Candle, error) {
	candles, err := e.source.FetchCandles(ctx, pair, timeframeMinutes, lookback)
	if err != nil {
		return nil, err
	}
	if len(candles) > 0 {
		e.mu.Lock()
		e.lastPrice[pair] = candles[len(candles)-1].Close
		e.mu.Unlock()
	}
	return candles, nil
}

// PlaceOrder fills immediately at the last seen close adjusted by slippage
func (e *Exchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !(req.Size > 0) {
		return nil, fmt.Errorf("order size %v: %w", req.Size, models.ErrExchangeRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.lastPrice[req.Pair]
	if !ok {
		price = req.Price
	}
	if !(price > 0) {
		return nil, fmt.Errorf("no market price for %s: %w", req.Pair, models.ErrExchangeRejected)
	}

	fill := SimulatedFill(req.Side, price, e.slippage)
	notional := fill * req.Size
	if req.Side == models.SideBuy && !req.Reduce && notional > e.balance[QuoteAsset] {
		return nil, fmt.Errorf("need %.2f %s, have %.2f: %w", notional, QuoteAsset, e.balance[QuoteAsset], models.ErrInsufficientFunds)
	}

	if req.Side == models.SideBuy {
		e.balance[QuoteAsset] -= notional
		e.balance[req.Pair] += req.Size
	} else {
		e.balance[QuoteAsset] += notional
		e.balance[req.Pair] -= req.Size
	}

	result := &models.OrderResult{
		OrderID:   "paper-" + uuid.NewString(),
		Pair:      req.Pair,
		Side:      req.Side,
		Size:      req.Size,
		FillPrice: fill,
		FilledAt:  time.Now().UTC(),
	}

	e.logger.Info().
		Str("order_id", result.OrderID).
		Str("pair", req.Pair).
		Str("side", string(req.Side)).
		Float64("size", req.Size).
		Float64("fill_price", fill).
		Msg("Paper order filled")
	return result, nil
}

// GetBalance returns a copy of the simulated balances
func (e *Exchange) GetBalance(ctx context.Context) (models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(models.Balance, len(e.balance))
	for k, v := range e.balance {
		out[k] = v
	}
	return out, nil
}
