package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/trading/risk"
	"github.com/Alias1177/Trader/models"
)

// ErrInvariantViolation means the ledger was asked to do something that
// would leave it inconsistent. It is fatal for the trading session.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// CloseRecorder receives realized PnL from every close
type CloseRecorder interface {
	RecordClose(ev risk.CloseEvent)
}

// Ledger tracks open and closed positions. Mutations are serialized.
type Ledger struct {
	recorder CloseRecorder
	feeRate  float64
	logger   zerolog.Logger

	mu        sync.Mutex
	positions map[string]*models.Position
	order     []string
	trades    []models.Trade
}

// New creates a ledger that reports closes to recorder and charges feeRate
// of notional on both legs of every closed quantity.
func New(recorder CloseRecorder, feeRate float64) *Ledger {
	return &Ledger{
		recorder:  recorder,
		feeRate:   feeRate,
		logger:    log.With().Str("component", "position_ledger").Logger(),
		positions: make(map[string]*models.Position),
	}
}

func epsilon(size float64) float64 {
	return 1e-9 * size
}

// Open registers a position filled at fillPrice
func (l *Ledger) Open(id string, plan risk.OrderPlan, fillPrice float64, at time.Time) (*models.Position, error) {
	if !(plan.Size > 0) || !(fillPrice > 0) {
		return nil, fmt.Errorf("open %s: size %v at %v: %w", id, plan.Size, fillPrice, ErrInvariantViolation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[id]; exists {
		return nil, fmt.Errorf("open %s: duplicate position id: %w", id, ErrInvariantViolation)
	}

	stop, tiers := plan.Anchor(fillPrice)
	p := &models.Position{
		ID:         id,
		Pair:       plan.Pair,
		Side:       plan.Side,
		EntryPrice: fillPrice,
		Size:       plan.Size,
		Remaining:  plan.Size,
		StopPrice:  stop,
		Tiers:      tiers,
		Status:     models.PositionOpen,
		OpenedAt:   at,
	}
	l.positions[id] = p
	l.order = append(l.order, id)

	l.logger.Info().
		Str("id", id).
		Str("pair", p.Pair).
		Str("side", string(p.Side)).
		Float64("entry", fillPrice).
		Float64("size", p.Size).
		Float64("stop", stop).
		Msg("Position opened")

	return p.Clone(), nil
}

// Exits plans the reductions triggered by price for every open position in
// pair. It does not change the ledger. A triggered stop closes the whole
// remainder at the stop price; otherwise each crossed, unfilled tier closes
// its fraction at the tier price and the last tier closes what is left.
func (l *Ledger) Exits(pair string, price float64) []models.Exit {
	l.mu.Lock()
	defer l.mu.Unlock()

	var exits []models.Exit
	for _, id := range l.order {
		p := l.positions[id]
		if p.Pair != pair || p.Status == models.PositionClosed {
			continue
		}
		exits = append(exits, planExits(p, price)...)
	}
	return exits
}

func planExits(p *models.Position, price float64) []models.Exit {
	sign := p.Side.Sign()

	if sign*(price-p.StopPrice) <= 0 {
		return []models.Exit{{
			PositionID: p.ID,
			Pair:       p.Pair,
			Side:       p.Side,
			Reason:     models.ExitStopLoss,
			Tier:       -1,
			Quantity:   p.Remaining,
			Price:      p.StopPrice,
			Final:      true,
		}}
	}

	var exits []models.Exit
	remaining := p.Remaining
	for i, tier := range p.Tiers {
		if tier.Filled || sign*(price-tier.Price) < 0 {
			continue
		}
		qty := tier.Fraction * p.Size
		final := i == len(p.Tiers)-1 || qty >= remaining-epsilon(p.Size)
		if final {
			qty = remaining
		}
		exits = append(exits, models.Exit{
			PositionID: p.ID,
			Pair:       p.Pair,
			Side:       p.Side,
			Reason:     models.ExitTakeProfit,
			Tier:       i,
			Quantity:   qty,
			Price:      tier.Price,
			Final:      final,
		})
		remaining -= qty
		if final {
			break
		}
	}
	return exits
}

// ForceExits plans a full close of every open position at the given prices.
// Positions without a price are closed at their entry price.
func (l *Ledger) ForceExits(prices map[string]float64) []models.Exit {
	l.mu.Lock()
	defer l.mu.Unlock()

	var exits []models.Exit
	for _, id := range l.order {
		p := l.positions[id]
		if p.Status == models.PositionClosed {
			continue
		}
		price, ok := prices[p.Pair]
		if !ok || !(price > 0) {
			l.logger.Warn().Str("id", id).Str("pair", p.Pair).Msg("No market price for forced close, using entry price")
			price = p.EntryPrice
		}
		exits = append(exits, models.Exit{
			PositionID: p.ID,
			Pair:       p.Pair,
			Side:       p.Side,
			Reason:     models.ExitShutdown,
			Tier:       -1,
			Quantity:   p.Remaining,
			Price:      price,
			Final:      true,
		})
	}
	return exits
}

// Apply books an exit filled at fillPrice. It returns the trade record when
// the position is fully closed.
func (l *Ledger) Apply(exit models.Exit, fillPrice float64, at time.Time) (*models.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[exit.PositionID]
	if !ok {
		return nil, fmt.Errorf("apply exit: unknown position %s: %w", exit.PositionID, ErrInvariantViolation)
	}
	if p.Status == models.PositionClosed {
		return nil, fmt.Errorf("apply exit: position %s already closed: %w", p.ID, ErrInvariantViolation)
	}

	qty := exit.Quantity
	if !(qty > 0) || qty > p.Remaining+epsilon(p.Size) {
		return nil, fmt.Errorf("apply exit: close %v of %s exceeds remaining %v: %w", qty, p.ID, p.Remaining, ErrInvariantViolation)
	}
	if exit.Reason == models.ExitTakeProfit {
		if exit.Tier < 0 || exit.Tier >= len(p.Tiers) || p.Tiers[exit.Tier].Filled {
			return nil, fmt.Errorf("apply exit: tier %d of %s not available: %w", exit.Tier, p.ID, ErrInvariantViolation)
		}
		p.Tiers[exit.Tier].Filled = true
	}
	if exit.Final {
		qty = p.Remaining
	}

	fee := l.feeRate * (p.EntryPrice*qty + fillPrice*qty)
	pnl := p.Side.Sign()*(fillPrice-p.EntryPrice)*qty - fee

	p.Remaining -= qty
	p.RealizedPnL += pnl
	p.Fees += fee
	p.ExitValue += fillPrice * qty

	closed := exit.Final || p.Remaining <= epsilon(p.Size)
	if closed {
		p.Remaining = 0
		p.Status = models.PositionClosed
		p.ClosedAt = at
	} else {
		p.Status = models.PositionPartialClosed
	}

	l.logger.Info().
		Str("id", p.ID).
		Str("pair", p.Pair).
		Str("reason", string(exit.Reason)).
		Float64("quantity", qty).
		Float64("price", fillPrice).
		Float64("pnl", pnl).
		Float64("remaining", p.Remaining).
		Msg("Position reduced")

	if l.recorder != nil {
		l.recorder.RecordClose(risk.CloseEvent{
			PositionID:     p.ID,
			Pair:           p.Pair,
			PnL:            pnl,
			At:             at,
			PositionClosed: closed,
			PositionPnL:    p.RealizedPnL,
		})
	}

	if !closed {
		return nil, nil
	}

	trade := models.Trade{
		PositionID: p.ID,
		Pair:       p.Pair,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitValue / p.Size,
		Size:       p.Size,
		PnL:        p.RealizedPnL,
		Fees:       p.Fees,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   at,
		ExitReason: exit.Reason,
	}
	l.trades = append(l.trades, trade)
	return &trade, nil
}

// Get returns a copy of a position
func (l *Ledger) Get(id string) (*models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// OpenPositions returns copies of every open or partially closed position
// in the order they were opened.
func (l *Ledger) OpenPositions() []*models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.Position
	for _, id := range l.order {
		if p := l.positions[id]; p.Status != models.PositionClosed {
			out = append(out, p.Clone())
		}
	}
	return out
}

// OpenCount returns the number of positions not yet fully closed
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, id := range l.order {
		if l.positions[id].Status != models.PositionClosed {
			n++
		}
	}
	return n
}

// UnrealizedPnL marks open positions to prices; pairs without a price count
// as zero. Positions are summed in open order so the result is reproducible.
func (l *Ledger) UnrealizedPnL(prices map[string]float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total float64
	for _, id := range l.order {
		p := l.positions[id]
		if p.Status == models.PositionClosed {
			continue
		}
		if price, ok := prices[p.Pair]; ok {
			total += p.Side.Sign() * (price - p.EntryPrice) * p.Remaining
		}
	}
	return total
}

// Trades returns closed trades in close order
func (l *Ledger) Trades() []models.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Trade(nil), l.trades...)
}
