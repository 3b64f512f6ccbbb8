package models

import "context"

// Exchange is the market-data and order collaborator of the trading loop
type Exchange interface {
	FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetBalance(ctx context.Context) (Balance, error)
}

// CandleSource is the market-data half of Exchange
type CandleSource interface {
	FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]Candle, error)
}
