package huobi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pytrade/trade-core/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketProtocol_Decode(t *testing.T) {
	p := &MarketProtocol{Host: "api.hbdm.com"}
	assert.Equal(t, "wss://api.hbdm.com/linear-swap-ws", p.URL())

	t.Run("Ping", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"ping":1492420473027}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"pong":1492420473027}`, string(msg.Reply))
	})

	t.Run("SubscriptionAck", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"id":"x","status":"ok","subbed":"market.BTC-USDT.bbo","ts":1}`))
		require.NoError(t, err)
		assert.Empty(t, msg.Ticks)
		assert.Nil(t, msg.Reply)
	})

	t.Run("BBO", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"ch":"market.BTC-USDT.bbo","ts":1709296200001,
			"tick":{"bid":[10,1.5],"ask":[11,2.5],"ts":1709296200000}}`))
		require.NoError(t, err)
		require.Len(t, msg.Ticks, 1)
		tick := msg.Ticks[0]
		assert.Equal(t, "BTC-USDT", tick.Symbol)
		assert.Equal(t, 10.0, tick.Bid)
		assert.Equal(t, 1.5, tick.BidVol)
		assert.Equal(t, 11.0, tick.Ask)
		assert.Equal(t, 2.5, tick.AskVol)
		assert.Equal(t, int64(1709296200000), tick.Timestamp.UnixMilli())
	})

	t.Run("Depth", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"ch":"market.BTC-USDT.depth.step0","ts":1709296200000,
			"tick":{"bids":[[10,1],[9,2]],"asks":[[11,3]]}}`))
		require.NoError(t, err)
		require.Len(t, msg.Level2, 3)
		assert.Equal(t, market.BookBid, msg.Level2[0].Side)
		assert.Equal(t, market.BookAsk, msg.Level2[2].Side)
		for _, l := range msg.Level2 {
			assert.Equal(t, msg.Level2[0].Timestamp, l.Timestamp, "one snapshot shares one timestamp")
		}
	})

	t.Run("Kline", func(t *testing.T) {
		open := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
		frame, _ := json.Marshal(map[string]any{
			"ch": "market.BTC-USDT.kline.5min", "ts": 1,
			"tick": map[string]any{"id": open.Unix(), "open": 1, "high": 3, "low": 0.5, "close": 2, "amount": 7},
		})
		msg, err := p.Decode(frame)
		require.NoError(t, err)
		require.Len(t, msg.Candles, 1)
		c := msg.Candles[0]
		assert.Equal(t, "5min", c.Interval)
		assert.Equal(t, open, c.OpenTime)
		assert.Equal(t, open.Add(5*time.Minute), c.CloseTime)
		assert.Equal(t, 7.0, c.Volume)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := p.Decode([]byte(`{"ch":"market.BTC-USDT.bbo","tick":{"bid":[]}}`))
		assert.Error(t, err)
		_, err = p.Decode([]byte(`not json`))
		assert.Error(t, err)
		_, err = p.Decode([]byte(`{"status":"error","err-msg":"invalid topic"}`))
		assert.Error(t, err)
	})
}

func TestMarketProtocol_Subscribe(t *testing.T) {
	p := &MarketProtocol{}
	frames := p.Subscribe([]string{BBOTopic("BTC-USDT"), KlineTopic("BTC-USDT", time.Hour)})
	require.Len(t, frames, 2)
	var sub map[string]string
	require.NoError(t, json.Unmarshal(frames[1], &sub))
	assert.Equal(t, "market.BTC-USDT.kline.60min", sub["sub"])
	assert.NotEmpty(t, sub["id"])
}

func TestNotificationProtocol(t *testing.T) {
	p := &NotificationProtocol{Host: "api.hbdm.com", Key: "k", Secret: "s"}

	t.Run("Handshake", func(t *testing.T) {
		frames, err := p.Handshake(fixedNow)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		var auth map[string]string
		require.NoError(t, json.Unmarshal(frames[0], &auth))
		assert.Equal(t, "auth", auth["op"])
		assert.Equal(t, "k", auth["AccessKeyId"])
		assert.Equal(t, "2024-03-01T12:30:00", auth["Timestamp"])
		assert.NotEmpty(t, auth["Signature"])

		_, err = (&NotificationProtocol{Host: "h"}).Handshake(fixedNow)
		assert.Error(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"op":"ping","ts":"1489474081631"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"op":"pong","ts":"1489474081631"}`, string(msg.Reply))
	})

	t.Run("AuthFailure", func(t *testing.T) {
		_, err := p.Decode([]byte(`{"op":"auth","err-code":2002,"err-msg":"invalid.auth.state"}`))
		assert.Error(t, err)
	})

	t.Run("OrderFilled", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"op":"notify","topic":"orders_cross.btc-usdt","ts":1709296200000,
			"contract_code":"btc-usdt","order_id_str":"42","status":6,"direction":"sell",
			"trade_avg_price":8.4,"trade_volume":1}`))
		require.NoError(t, err)
		require.Len(t, msg.Orders, 1)
		o := msg.Orders[0]
		assert.Equal(t, "BTC-USDT", o.Symbol)
		assert.Equal(t, "42", o.OrderID)
		assert.Equal(t, market.OrderFilled, o.Status)
		assert.Equal(t, 8.4, o.FillPrice)
		assert.Equal(t, int64(1709296200000), o.Timestamp.UnixMilli())
	})

	t.Run("TriggerOrder", func(t *testing.T) {
		msg, err := p.Decode([]byte(`{"op":"notify","topic":"trigger_order_cross.btc-usdt","ts":1709296200000,
			"data":[{"contract_code":"btc-usdt","order_id_str":"sl-1","status":4,"trigger_price":8.5,"volume":1}]}`))
		require.NoError(t, err)
		require.Len(t, msg.Orders, 1)
		assert.Equal(t, "sl-1", msg.Orders[0].OrderID)
		assert.Equal(t, market.OrderFilled, msg.Orders[0].Status)
		assert.Equal(t, 8.5, msg.Orders[0].FillPrice)
	})
}
