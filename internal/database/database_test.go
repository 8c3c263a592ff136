package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pytrade/trade-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase_KeepsRowsAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "strategy", "strategy.db")

	db, err := NewDatabase(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Trade{Ticker: "BTC-USDT", Side: models.SideBuy, Status: models.StatusOpened}).Error)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	db, err = NewDatabase(dsn)
	require.NoError(t, err)
	trade, err := LastOpenTrade(db, "BTC-USDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, models.StatusOpened, trade.Status)
}

func TestLastTrades(t *testing.T) {
	db, err := NewDatabase("file::memory:")
	require.NoError(t, err)

	now := time.Now()
	closeOld, closeNew := now.Add(-time.Hour), now.Add(-time.Minute)
	price := 101.0
	require.NoError(t, db.Create(&models.Trade{Ticker: "BTC-USDT", Side: "buy", OpenTime: now.Add(-2 * time.Hour),
		Status: models.StatusClosed, CloseTime: &closeOld, ClosePrice: &price}).Error)
	require.NoError(t, db.Create(&models.Trade{Ticker: "BTC-USDT", Side: "sell", OpenTime: now.Add(-30 * time.Minute),
		Status: models.StatusClosed, CloseTime: &closeNew, ClosePrice: &price}).Error)

	open, err := LastOpenTrade(db, "BTC-USDT")
	assert.NoError(t, err)
	assert.Nil(t, open)

	closed, err := LastClosedTrade(db, "BTC-USDT")
	assert.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, "sell", closed.Side)

	trades, err := RecentTrades(db, 10)
	assert.NoError(t, err)
	assert.Len(t, trades, 2)
	assert.Equal(t, "sell", trades[0].Side)
}

func TestTradeStatistics(t *testing.T) {
	db, err := NewDatabase("file::memory:")
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	add := func(ticker, side string, open, closePrice float64, closed time.Time) {
		require.NoError(t, db.Create(&models.Trade{Ticker: ticker, Side: side, Quantity: 1, OpenPrice: open,
			OpenTime: closed.Add(-time.Minute), Status: models.StatusClosed, CloseTime: &closed, ClosePrice: &closePrice}).Error)
	}
	add("BTC-USDT", models.SideBuy, 10, 12, now.Add(-48*time.Hour))
	add("BTC-USDT", models.SideSell, 10, 11, now.Add(-time.Hour))
	add("BTC-USDT", models.SideBuy, 10, 13, now.Add(-time.Minute))
	add("ETH-USDT", models.SideBuy, 10, 20, now.Add(-time.Minute))
	require.NoError(t, db.Create(&models.Trade{Ticker: "BTC-USDT", Side: models.SideBuy, Status: models.StatusOpened}).Error)

	stats, err := TradeStatistics(db, "BTC-USDT", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.AllTime.TotalTrades)
	assert.Equal(t, int64(2), stats.AllTime.ProfitableTrades)
	assert.InDelta(t, 4.0, stats.AllTime.TotalProfit, 1e-9)
	assert.InDelta(t, 200.0/3, stats.AllTime.WinRate, 1e-9)

	assert.Equal(t, int64(2), stats.Since.TotalTrades)
	assert.InDelta(t, 2.0, stats.Since.TotalProfit, 1e-9)
	assert.InDelta(t, 50.0, stats.Since.WinRate, 1e-9)

	all, err := TradeStatistics(db, "", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.AllTime.TotalTrades)
}
