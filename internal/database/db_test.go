package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Trader/models"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordTradeRoundTrip(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	opened := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	trades := []models.Trade{
		{PositionID: "p2", Pair: "ETH/USD", Side: models.SideSell, EntryPrice: 3000, ExitPrice: 2900,
			Size: 1, PnL: 98, Fees: 2, OpenedAt: opened, ClosedAt: opened.Add(2 * time.Hour), ExitReason: models.ExitTakeProfit},
		{PositionID: "p1", Pair: "BTC/USD", Side: models.SideBuy, EntryPrice: 50000, ExitPrice: 49000,
			Size: 0.1, PnL: -110, Fees: 10, OpenedAt: opened, ClosedAt: opened.Add(time.Hour), ExitReason: models.ExitStopLoss},
	}
	for _, tr := range trades {
		require.NoError(t, db.RecordTrade(ctx, tr))
	}

	got, err := db.Trades(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, trades[1], got[0], "ordered by close time")
	assert.Equal(t, trades[0], got[1])

	btc, err := db.Trades(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "p1", btc[0].PositionID)
}

func TestRecordTradeUpsert(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tr := models.Trade{PositionID: "p1", Pair: "BTC/USD", Side: models.SideBuy, EntryPrice: 100,
		ExitPrice: 110, Size: 1, PnL: 10, OpenedAt: at, ClosedAt: at.Add(time.Minute), ExitReason: models.ExitTakeProfit}
	require.NoError(t, db.RecordTrade(ctx, tr))

	tr.ExitPrice = 120
	tr.PnL = 20
	tr.ExitReason = models.ExitShutdown
	require.NoError(t, db.RecordTrade(ctx, tr))

	got, err := db.Trades(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 120.0, got[0].ExitPrice)
	assert.Equal(t, models.ExitShutdown, got[0].ExitReason)
}

func TestEquityCurve(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, eq := range []float64{10000, 10050, 9980} {
		require.NoError(t, db.RecordEquity(ctx, models.EquityPoint{Timestamp: base.Add(time.Duration(i) * time.Minute), Equity: eq}))
	}
	require.NoError(t, db.RecordEquity(ctx, models.EquityPoint{Timestamp: base, Equity: 10001}))

	curve, err := db.EquityCurve(ctx)
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.Equal(t, 10001.0, curve[0].Equity)
	assert.Equal(t, base.Add(2*time.Minute), curve[2].Timestamp)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		query  string
		want   string
	}{
		{"postgres", DriverPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"sqlite", DriverSQLite, "SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = ?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &DB{driver: tt.driver}
			assert.Equal(t, tt.want, db.rebind(tt.query))
		})
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "")
	assert.Error(t, err)
}

func TestConnectionParamsDSN(t *testing.T) {
	p := ConnectionParams{Host: "localhost", Port: "5432", User: "u", Password: "p", DBName: "trader"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=trader sslmode=disable", p.DSN())
}
