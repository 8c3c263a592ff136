package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	StatusOpening TradeStatus = "opening"
	StatusOpened  TradeStatus = "opened"
	StatusClosing TradeStatus = "closing"
	StatusClosed  TradeStatus = "closed"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is one entry with its protective orders and, eventually, its exit.
type Trade struct {
	gorm.Model
	Ticker   string `gorm:"index;not null" json:"ticker"`
	Side     string `gorm:"not null" json:"side"` // "buy" or "sell"
	Quantity float64 `json:"quantity"`

	OpenTime    time.Time `json:"open_time"`
	OpenPrice   float64   `json:"open_price"`
	OpenOrderID string    `gorm:"index" json:"open_order_id"`

	StopLossPrice   float64  `json:"stop_loss_price"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`
	// Comma separated, ordered by trigger price: "sl,tp" for buy, "tp,sl" for sell.
	StopLossOrderID string   `json:"stop_loss_order_id"`
	TrailingDelta   *float64 `json:"trailing_delta,omitempty"`

	CloseTime    *time.Time `json:"close_time,omitempty"`
	ClosePrice   *float64   `json:"close_price,omitempty"`
	CloseOrderID *string    `json:"close_order_id,omitempty"`

	Status TradeStatus `gorm:"index;not null" json:"status"`
}

// Direction is +1 for buy and -1 for sell.
func (t *Trade) Direction() int {
	return SideToDirection(t.Side)
}

// SideToDirection maps "buy"/"sell" to +1/-1, anything else to 0.
func SideToDirection(side string) int {
	switch strings.ToLower(side) {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// DirectionToSide maps +1/-1 to "buy"/"sell".
func DirectionToSide(direction int) string {
	switch direction {
	case 1:
		return SideBuy
	case -1:
		return SideSell
	}
	return ""
}

// IsClosed reports the terminal status.
func (t *Trade) IsClosed() bool {
	return t.Status == StatusClosed
}

// StopLossOrderIDs splits the composite stop-loss order id.
func (t *Trade) StopLossOrderIDs() []string {
	var ids []string
	for _, id := range strings.Split(t.StopLossOrderID, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasStopLossOrder reports whether id is one of the protective orders.
func (t *Trade) HasStopLossOrder(id string) bool {
	for _, slID := range t.StopLossOrderIDs() {
		if slID == id {
			return true
		}
	}
	return false
}

// Profit is direction * (close - open) * quantity, zero until closed.
func (t *Trade) Profit() float64 {
	if t.ClosePrice == nil {
		return 0
	}
	return float64(t.Direction()) * (*t.ClosePrice - t.OpenPrice) * t.Quantity
}

// IsLoss reports a loss net of a round-trip fee: direction*(close-open) - 2*fee*open < 0.
func (t *Trade) IsLoss(feeRate float64) bool {
	if t.ClosePrice == nil {
		return false
	}
	return float64(t.Direction())*(*t.ClosePrice-t.OpenPrice)-2*feeRate*t.OpenPrice < 0
}
