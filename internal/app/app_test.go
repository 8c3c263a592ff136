package app

import (
	"context"
	"testing"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/exchange"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/pytrade/trade-core/internal/trader"
	"github.com/pytrade/trade-core/internal/wsfeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fakeID = "fake"

type fakeAdapter struct {
	client                exchange.OrderClient
	marketFeed, orderFeed *wsfeed.Feed
	warmed                []time.Duration
}

func (a *fakeAdapter) Name() string                       { return fakeID }
func (a *fakeAdapter) OrderClient() exchange.OrderClient  { return a.client }
func (a *fakeAdapter) MarketFeed() *wsfeed.Feed           { return a.marketFeed }
func (a *fakeAdapter) OrderFeed() *wsfeed.Feed            { return a.orderFeed }
func (a *fakeAdapter) OrderTopics(symbol string) []string { return []string{"orders." + symbol} }

func (a *fakeAdapter) MarketTopics(symbol string, bidAsk, level2 bool, periods []time.Duration) []string {
	var out []string
	if bidAsk {
		out = append(out, "bbo."+symbol)
	}
	if level2 {
		out = append(out, "depth."+symbol)
	}
	for _, p := range periods {
		out = append(out, "kline."+symbol+"."+p.String())
	}
	return out
}

func (a *fakeAdapter) CandleHistory(_ context.Context, symbol string, period time.Duration, count int) ([]market.Candle, error) {
	a.warmed = append(a.warmed, period)
	end := time.Now().Truncate(period)
	var out []market.Candle
	for i := count; i > 0; i-- {
		open := end.Add(-time.Duration(i) * period)
		out = append(out, market.Candle{Symbol: symbol, Interval: "1min", OpenTime: open, CloseTime: open.Add(period), Open: 1, Close: 1})
	}
	return out, nil
}

var lastAdapter *fakeAdapter

func init() {
	exchange.Register(fakeID, func(cfg *config.Config, logger *zap.Logger, sink metrics.Sink) (exchange.Adapter, error) {
		lastAdapter = &fakeAdapter{
			marketFeed: wsfeed.New("market", nil, wsfeed.Options{}, logger, sink),
		}
		if cfg.Huobi.Key != "" {
			lastAdapter.orderFeed = wsfeed.New("orders", nil, wsfeed.Options{}, logger, sink)
		}
		return lastAdapter, nil
	})
}

func testConfig(t *testing.T, strategy string) *config.Config {
	cfg := &config.Config{
		Strategy: strategy,
		Exchange: fakeID,
		Tickers:  "ETH-USDT,BTC-USDT",
		DataDir:  t.TempDir(),
	}
	cfg.API.Port = 8080
	cfg.Feed.CandlesPeriods = []string{"1min"}
	cfg.Feed.CandlesCounts = []int{3}
	cfg.Trading.HistoryMinWindow = 10 * time.Minute
	cfg.Trading.HistoryMaxWindow = 15 * time.Minute
	cfg.Persist.ModelKeep = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew_WiresBidAskMinMax(t *testing.T) {
	cfg := testConfig(t, trader.BidAskMinMaxName)
	cfg.History.Enabled = true
	cfg.Huobi.Key = "key"

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, a.feeds.BidAsk)
	assert.NotNil(t, a.feeds.Candles)
	assert.Nil(t, a.feeds.Level2)
	assert.Len(t, a.feeds.History, 2)
	assert.NotNil(t, a.api)
	assert.False(t, a.Tripped())

	assert.Equal(t, []string{"bbo.BTC-USDT", "kline.BTC-USDT.1m0s"}, lastAdapter.MarketFeed().Topics())
	assert.Equal(t, []string{"orders.BTC-USDT"}, lastAdapter.OrderFeed().Topics())

	a.warmCandles(context.Background())
	assert.Equal(t, []time.Duration{time.Minute}, lastAdapter.warmed)
	assert.Len(t, a.feeds.Candles.Snapshot()[time.Minute], 0, "warmed bars wait in the buffer")
	assert.Len(t, a.feeds.Candles.ApplyBuf(time.Now()), 3)
}

func TestNew_DataCollectorWithoutAPI(t *testing.T) {
	cfg := testConfig(t, trader.DataCollectorName)
	cfg.API.Port = 0
	cfg.History.Kinds = []string{"level2"}

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a.api)
	assert.Nil(t, lastAdapter.OrderFeed(), "no credentials")
	assert.NotNil(t, a.feeds.Level2)
	assert.Nil(t, a.feeds.BidAsk)
	assert.Empty(t, a.feeds.History)
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New(testConfig(t, "NoSuchStrategy"), zap.NewNop())
	assert.Error(t, err)
}
