package huobi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/wsfeed"
)

const (
	marketWSPath       = "/linear-swap-ws"
	notificationWSPath = "/linear-swap-notification"
)

// Topic builders.
func BBOTopic(symbol string) string   { return "market." + symbol + ".bbo" }
func DepthTopic(symbol string) string { return "market." + symbol + ".depth.step0" }
func KlineTopic(symbol string, period time.Duration) string {
	return "market." + symbol + ".kline." + market.PeriodName(period)
}
func OrdersTopic(symbol string) string  { return "orders_cross." + symbol }
func TriggerTopic(symbol string) string { return "trigger_order_cross." + symbol }

var (
	_ wsfeed.Protocol = (*MarketProtocol)(nil)
	_ wsfeed.Protocol = (*NotificationProtocol)(nil)
)

// MarketProtocol decodes the public market data stream.
type MarketProtocol struct {
	Host string
}

func (p *MarketProtocol) URL() string { return "wss://" + p.Host + marketWSPath }

// Handshake is empty: market data needs no authentication.
func (p *MarketProtocol) Handshake(time.Time) ([][]byte, error) { return nil, nil }

func (p *MarketProtocol) Subscribe(topics []string) [][]byte {
	frames := make([][]byte, 0, len(topics))
	for _, t := range topics {
		frame, _ := json.Marshal(map[string]string{"sub": t, "id": uuid.NewString()})
		frames = append(frames, frame)
	}
	return frames
}

type marketFrame struct {
	Ping   json.RawMessage `json:"ping"`
	Ch     string          `json:"ch"`
	Ts     int64           `json:"ts"`
	Tick   json.RawMessage `json:"tick"`
	Status string          `json:"status"`
	ErrMsg string          `json:"err-msg"`
	Subbed string          `json:"subbed"`
}

type bboTick struct {
	Bid []float64 `json:"bid"`
	Ask []float64 `json:"ask"`
	Ts  int64     `json:"ts"`
}

type depthTick struct {
	Bids [][]float64 `json:"bids"`
	Asks [][]float64 `json:"asks"`
	Ts   int64       `json:"ts"`
}

type klineTick struct {
	ID     int64   `json:"id"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Amount float64 `json:"amount"`
}

func (p *MarketProtocol) Decode(frame []byte) (wsfeed.Message, error) {
	var f marketFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return wsfeed.Message{}, fmt.Errorf("decode market frame: %w", err)
	}
	if len(f.Ping) > 0 {
		return wsfeed.Message{Reply: []byte(`{"pong":` + string(f.Ping) + `}`)}, nil
	}
	if f.Status == "error" {
		return wsfeed.Message{}, fmt.Errorf("market stream error: %s", f.ErrMsg)
	}
	if f.Ch == "" || len(f.Tick) == 0 {
		// subscription acks
		return wsfeed.Message{}, nil
	}
	parts := strings.Split(f.Ch, ".")
	if len(parts) < 3 || parts[0] != "market" {
		return wsfeed.Message{}, fmt.Errorf("unexpected channel %q", f.Ch)
	}
	symbol := parts[1]
	switch parts[2] {
	case "bbo":
		var t bboTick
		if err := json.Unmarshal(f.Tick, &t); err != nil {
			return wsfeed.Message{}, fmt.Errorf("decode bbo: %w", err)
		}
		if len(t.Bid) < 2 || len(t.Ask) < 2 {
			return wsfeed.Message{}, errors.New("bbo tick without bid or ask")
		}
		ts := t.Ts
		if ts == 0 {
			ts = f.Ts
		}
		return wsfeed.Message{Ticks: []market.Tick{{
			Timestamp: time.UnixMilli(ts).UTC(),
			Symbol:    symbol,
			Bid:       t.Bid[0],
			BidVol:    t.Bid[1],
			Ask:       t.Ask[0],
			AskVol:    t.Ask[1],
		}}}, nil
	case "depth":
		var t depthTick
		if err := json.Unmarshal(f.Tick, &t); err != nil {
			return wsfeed.Message{}, fmt.Errorf("decode depth: %w", err)
		}
		ts := time.UnixMilli(f.Ts).UTC()
		batch := make([]market.Level2Update, 0, len(t.Bids)+len(t.Asks))
		for _, lvl := range t.Bids {
			if len(lvl) >= 2 {
				batch = append(batch, market.Level2Update{Timestamp: ts, Symbol: symbol, Side: market.BookBid, Price: lvl[0], Volume: lvl[1]})
			}
		}
		for _, lvl := range t.Asks {
			if len(lvl) >= 2 {
				batch = append(batch, market.Level2Update{Timestamp: ts, Symbol: symbol, Side: market.BookAsk, Price: lvl[0], Volume: lvl[1]})
			}
		}
		return wsfeed.Message{Level2: batch}, nil
	case "kline":
		if len(parts) < 4 {
			return wsfeed.Message{}, fmt.Errorf("kline channel without period %q", f.Ch)
		}
		period, err := market.ParsePeriod(parts[3])
		if err != nil {
			return wsfeed.Message{}, err
		}
		var t klineTick
		if err := json.Unmarshal(f.Tick, &t); err != nil {
			return wsfeed.Message{}, fmt.Errorf("decode kline: %w", err)
		}
		open := time.Unix(t.ID, 0).UTC()
		return wsfeed.Message{Candles: []market.Candle{{
			Symbol:    symbol,
			Interval:  market.PeriodName(period),
			OpenTime:  open,
			CloseTime: open.Add(period),
			Open:      t.Open,
			High:      t.High,
			Low:       t.Low,
			Close:     t.Close,
			Volume:    t.Amount,
		}}}, nil
	}
	return wsfeed.Message{}, fmt.Errorf("unexpected channel %q", f.Ch)
}

// NotificationProtocol decodes the authenticated account order stream.
type NotificationProtocol struct {
	Host   string
	Key    string
	Secret string
}

func (p *NotificationProtocol) URL() string { return "wss://" + p.Host + notificationWSPath }

// Handshake signs the auth frame at connection time.
func (p *NotificationProtocol) Handshake(now time.Time) ([][]byte, error) {
	if p.Key == "" || p.Secret == "" {
		return nil, errors.New("huobi credentials are not configured")
	}
	params := SignedParams(p.Key, p.Secret, http.MethodGet, p.Host, notificationWSPath, now, url.Values{})
	frame, err := json.Marshal(map[string]string{
		"op":               "auth",
		"type":             "api",
		"AccessKeyId":      params.Get("AccessKeyId"),
		"SignatureMethod":  params.Get("SignatureMethod"),
		"SignatureVersion": params.Get("SignatureVersion"),
		"Timestamp":        params.Get("Timestamp"),
		"Signature":        params.Get("Signature"),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (p *NotificationProtocol) Subscribe(topics []string) [][]byte {
	frames := make([][]byte, 0, len(topics))
	for _, t := range topics {
		frame, _ := json.Marshal(map[string]string{"op": "sub", "cid": uuid.NewString(), "topic": t})
		frames = append(frames, frame)
	}
	return frames
}

type notifyOrder struct {
	ContractCode  string  `json:"contract_code"`
	OrderIDStr    string  `json:"order_id_str"`
	Status        int     `json:"status"`
	Direction     string  `json:"direction"`
	TradeAvgPrice float64 `json:"trade_avg_price"`
	TradeVolume   float64 `json:"trade_volume"`
	TriggerPrice  float64 `json:"trigger_price"`
	Volume        float64 `json:"volume"`
}

type notificationFrame struct {
	Op      string          `json:"op"`
	Ts      json.RawMessage `json:"ts"`
	Topic   string          `json:"topic"`
	ErrCode int             `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
	Data    []notifyOrder   `json:"data"`
}

func (p *NotificationProtocol) Decode(frame []byte) (wsfeed.Message, error) {
	var f notificationFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return wsfeed.Message{}, fmt.Errorf("decode notification: %w", err)
	}
	switch f.Op {
	case "ping":
		return wsfeed.Message{Reply: []byte(`{"op":"pong","ts":` + string(f.Ts) + `}`)}, nil
	case "auth", "sub", "unsub":
		if f.ErrCode != 0 {
			return wsfeed.Message{}, fmt.Errorf("%s failed: %d %s", f.Op, f.ErrCode, f.ErrMsg)
		}
		return wsfeed.Message{}, nil
	case "close", "error":
		return wsfeed.Message{}, fmt.Errorf("notification stream %s: %s", f.Op, f.ErrMsg)
	case "notify":
	default:
		return wsfeed.Message{}, fmt.Errorf("unexpected op %q", f.Op)
	}

	ts := time.UnixMilli(parseMillis(f.Ts)).UTC()
	if strings.HasPrefix(f.Topic, "trigger_order") {
		var msg wsfeed.Message
		for _, o := range f.Data {
			msg.Orders = append(msg.Orders, market.OrderUpdate{
				Symbol:    strings.ToUpper(o.ContractCode),
				OrderID:   o.OrderIDStr,
				Side:      o.Direction,
				Status:    triggerStatus(o.Status),
				FillPrice: o.TriggerPrice,
				// trigger orders report no fill volume; the relation order does.
				FillVolume: o.Volume,
				Timestamp:  ts,
			})
		}
		return msg, nil
	}
	var o notifyOrder
	if err := json.Unmarshal(frame, &o); err != nil {
		return wsfeed.Message{}, fmt.Errorf("decode order notification: %w", err)
	}
	return wsfeed.Message{Orders: []market.OrderUpdate{{
		Symbol:     strings.ToUpper(o.ContractCode),
		OrderID:    o.OrderIDStr,
		Side:       o.Direction,
		Status:     orderStatus(o.Status),
		FillPrice:  o.TradeAvgPrice,
		FillVolume: o.TradeVolume,
		Timestamp:  ts,
	}}}, nil
}

// parseMillis reads a millisecond timestamp sent either as a number or a string.
func parseMillis(raw json.RawMessage) int64 {
	var n int64
	if json.Unmarshal(raw, &n) == nil {
		return n
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		n, _ = strconv.ParseInt(s, 10, 64)
	}
	return n
}

func orderStatus(code int) market.OrderStatus {
	switch code {
	case statusFilled:
		return market.OrderFilled
	case statusPartial:
		return market.OrderPartial
	case statusCanceled, statusPartialCancel:
		return market.OrderCanceled
	}
	return market.OrderSubmitted
}

func triggerStatus(code int) market.OrderStatus {
	switch code {
	case tpslStatusTriggered:
		return market.OrderFilled
	case tpslStatusCanceled, tpslStatusTrigFailed:
		return market.OrderCanceled
	}
	return market.OrderSubmitted
}
