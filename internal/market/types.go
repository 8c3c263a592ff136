// Package market holds the normalized market data records shared by the
// websocket feed, the per-kind feeds and the history reconciler.
package market

import (
	"fmt"
	"time"
)

// Kind is one of the stream kinds a feed buffers.
type Kind int

const (
	KindBidAsk Kind = iota
	KindLevel2
	KindCandles
)

// Kinds lists every Kind.
var Kinds = []Kind{KindBidAsk, KindLevel2, KindCandles}

func (k Kind) String() string {
	switch k {
	case KindBidAsk:
		return "bid_ask"
	case KindLevel2:
		return "level2"
	case KindCandles:
		return "candles"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown data kind %q", s)
}

// Record is anything indexed by a timestamp.
type Record interface {
	Time() time.Time
}

// Tick is one best bid / best ask snapshot.
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Bid       float64
	BidVol    float64
	Ask       float64
	AskVol    float64
}

func (t Tick) Time() time.Time { return t.Timestamp }

// Spread is ask - bid.
func (t Tick) Spread() float64 { return t.Ask - t.Bid }

// BookSide is the side of a level2 update.
type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

// Level2Update is one order book level. Updates sharing a timestamp form a snapshot.
type Level2Update struct {
	Timestamp time.Time
	Symbol    string
	Side      BookSide
	Price     float64
	Volume    float64
}

func (l Level2Update) Time() time.Time { return l.Timestamp }

// Candle is an OHLCV bar keyed by (symbol, interval, open time) and indexed by close time.
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

func (c Candle) Time() time.Time { return c.CloseTime }

// OrderUpdate is an exchange order lifecycle event.
type OrderUpdate struct {
	Symbol     string
	OrderID    string
	Side       string
	Status     OrderStatus
	FillPrice  float64
	FillVolume float64
	Timestamp  time.Time
}

// OrderStatus is the normalized exchange order status.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
)
