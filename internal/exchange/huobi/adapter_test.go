package huobi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/exchange"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAdapter_Registered(t *testing.T) {
	assert.Contains(t, exchange.Registered(), ID)

	cfg := &config.Config{}
	cfg.Huobi.Host = "api.hbdm.com"
	cfg.Huobi.SpotHost = "api.huobi.pro"
	cfg.Huobi.RateLimit = 10
	cfg.Huobi.RateLimitBurst = 1

	a, err := exchange.New(ID, cfg, zap.NewNop(), metrics.Nop{})
	require.NoError(t, err)
	assert.Equal(t, ID, a.Name())
	assert.True(t, a.OrderClient().SupportsTakeProfit())
	assert.NotNil(t, a.MarketFeed())
	assert.Nil(t, a.OrderFeed(), "no credentials")
	assert.Equal(t, 200*time.Millisecond, a.(*Adapter).orders.pollInterval)

	topics := a.MarketTopics("BTC-USDT", true, false, []time.Duration{time.Minute, 5 * time.Minute})
	assert.Equal(t, []string{"market.BTC-USDT.bbo", "market.BTC-USDT.kline.1min", "market.BTC-USDT.kline.5min"}, topics)
	assert.Equal(t, []string{"orders_cross.BTC-USDT", "trigger_order_cross.BTC-USDT"}, a.OrderTopics("BTC-USDT"))

	_, err = NewAdapter(&config.Config{}, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestAdapter_WithCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.Huobi.Host = "api.hbdm.com"
	cfg.Huobi.Key = "key"
	cfg.Huobi.Secret = "secret"
	cfg.Huobi.RateLimit = 10
	cfg.Broker.FillConfirmationDelay = 50 * time.Millisecond

	a, err := NewAdapter(cfg, zap.NewNop(), metrics.Nop{})
	require.NoError(t, err)
	assert.NotNil(t, a.OrderFeed())
	assert.Equal(t, 50*time.Millisecond, a.(*Adapter).orders.pollInterval)
}

func TestAdapter_CandleHistoryDropsOpenBar(t *testing.T) {
	// fixedNow is 12:30; the 12:30 bar is still open.
	rc, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, historyKlinePath, r.URL.Path)
		assert.Equal(t, "1min", r.URL.Query().Get("period"))
		assert.Equal(t, "3", r.URL.Query().Get("size"))
		_, _ = w.Write([]byte(`{"status":"ok","data":[
			{"id":1709296080,"open":1,"high":2,"low":0.5,"close":1.5,"amount":10},
			{"id":1709296140,"open":1.5,"high":2,"low":1,"close":1.8,"amount":11},
			{"id":1709296200,"open":1.8,"high":1.9,"low":1.7,"close":1.7,"amount":1}]}`))
	}))
	defer server.Close()

	a := &Adapter{rest: rc, now: func() time.Time { return fixedNow }}
	candles, err := a.CandleHistory(context.Background(), "BTC-USDT", time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 29, 0, 0, time.UTC), candles[1].OpenTime)
	assert.Equal(t, fixedNow, candles[1].CloseTime)
	assert.Equal(t, "1min", candles[0].Interval)
}
