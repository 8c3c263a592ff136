package huobi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pytrade/trade-core/internal/exchange"
	"go.uber.org/zap"
)

const (
	orderPath       = "/linear-swap-api/v1/swap_cross_order"
	orderInfoPath   = "/linear-swap-api/v1/swap_cross_order_info"
	tpslOrderPath   = "/linear-swap-api/v1/swap_cross_tpsl_order"
	tpslCancelPath  = "/linear-swap-api/v1/swap_cross_tpsl_cancel"
	tpslHistoryPath = "/linear-swap-api/v1/swap_cross_tpsl_hisorders"
	balancePathFmt  = "/v1/account/accounts/%d/balance"

	leverRate = 1
)

// Swap order status codes.
const (
	statusPartial        = 4
	statusPartialCancel  = 5
	statusFilled         = 6
	statusCanceled       = 7
	tpslStatusTriggered  = 4
	tpslStatusCanceled   = 6
	tpslStatusTrigFailed = 5
)

// Ensure OrderClient implements exchange.OrderClient
var _ exchange.OrderClient = (*OrderClient)(nil)

// OrderClient trades cross-margin linear swaps.
type OrderClient struct {
	swap   *RestClient
	spot   *RestClient
	acct   int64
	logger *zap.Logger
	// pollInterval and pollAttempts bound the wait for a FOK fill confirmation.
	pollInterval time.Duration
	pollAttempts int
}

// NewOrderClient creates an order client over the swap and spot REST clients.
func NewOrderClient(swap, spot *RestClient, accountID int64, logger *zap.Logger) *OrderClient {
	return &OrderClient{
		swap:         swap,
		spot:         spot,
		acct:         accountID,
		logger:       logger.Named("huobi-orders"),
		pollInterval: 200 * time.Millisecond,
		pollAttempts: 5,
	}
}

type orderRequest struct {
	ContractCode   string  `json:"contract_code"`
	ClientOrderID  int64   `json:"client_order_id,omitempty"`
	Price          float64 `json:"price,omitempty"`
	Volume         float64 `json:"volume"`
	Direction      string  `json:"direction"`
	Offset         string  `json:"offset"`
	LeverRate      int     `json:"lever_rate"`
	OrderPriceType string  `json:"order_price_type"`
}

type orderResponse struct {
	OrderID    int64  `json:"order_id"`
	OrderIDStr string `json:"order_id_str"`
}

type orderInfo struct {
	OrderIDStr    string  `json:"order_id_str"`
	Status        int     `json:"status"`
	TradeAvgPrice float64 `json:"trade_avg_price"`
	TradeVolume   float64 `json:"trade_volume"`
	Volume        float64 `json:"volume"`
	Direction     string  `json:"direction"`
	CreatedAt     int64   `json:"created_at"`
}

type tpslRequest struct {
	ContractCode     string  `json:"contract_code"`
	Direction        string  `json:"direction"`
	Volume           float64 `json:"volume"`
	TPTriggerPrice   float64 `json:"tp_trigger_price,omitempty"`
	TPOrderPriceType string  `json:"tp_order_price_type,omitempty"`
	SLTriggerPrice   float64 `json:"sl_trigger_price"`
	SLOrderPrice     float64 `json:"sl_order_price,omitempty"`
	SLOrderPriceType string  `json:"sl_order_price_type"`
}

type tpslResponse struct {
	TPOrder *struct {
		OrderIDStr string `json:"order_id_str"`
	} `json:"tp_order"`
	SLOrder *struct {
		OrderIDStr string `json:"order_id_str"`
	} `json:"sl_order"`
}

type tpslHistory struct {
	Orders []struct {
		OrderIDStr         string  `json:"order_id_str"`
		Status             int     `json:"status"`
		TriggerPrice       float64 `json:"trigger_price"`
		RelationOrderID    string  `json:"relation_order_id"`
		UpdateTime         int64   `json:"update_time"`
		OrderPrice         float64 `json:"order_price"`
		Volume             float64 `json:"volume"`
		TriggeredPriceType string  `json:"order_price_type"`
	} `json:"orders"`
}

// clientOrderID derives a positive int64 from a random uuid; Huobi wants numeric ids.
func clientOrderID() int64 {
	id := uuid.New()
	var n int64
	for _, b := range id[:7] {
		n = n<<8 | int64(b)
	}
	return n
}

// CreateMainOrder places a fill-or-kill open order and waits for it to settle.
func (c *OrderClient) CreateMainOrder(ctx context.Context, symbol, side string, quantity, price float64) exchange.OrderResult {
	req := orderRequest{
		ContractCode:   symbol,
		ClientOrderID:  clientOrderID(),
		Price:          price,
		Volume:         quantity,
		Direction:      side,
		Offset:         "open",
		LeverRate:      leverRate,
		OrderPriceType: "fok",
	}
	var resp orderResponse
	if err := c.swap.SignedPost(ctx, orderPath, req, &resp); err != nil {
		return exchange.Failed(fmt.Errorf("create main order: %w", err))
	}
	c.logger.Info("Main order submitted",
		zap.String("symbol", symbol), zap.String("side", side),
		zap.Float64("price", price), zap.Float64("quantity", quantity),
		zap.String("order_id", resp.OrderIDStr))
	return c.awaitOrder(ctx, symbol, resp.OrderIDStr)
}

// awaitOrder polls the order until it reaches a terminal status or the poll budget runs out.
func (c *OrderClient) awaitOrder(ctx context.Context, symbol, orderID string) exchange.OrderResult {
	var res exchange.OrderResult
	for i := 0; i < c.pollAttempts; i++ {
		res = c.GetOrder(ctx, symbol, orderID)
		if res.OK() || errors.Is(res.Err, errOrderCanceled) {
			return res
		}
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return exchange.Failed(ctx.Err())
		}
	}
	return res
}

var errOrderCanceled = errors.New("order canceled")

// GetOrder reports OK for filled orders and NotFilled for pending or canceled ones.
// Ids unknown to the order endpoint are looked up among tp/sl orders.
func (c *OrderClient) GetOrder(ctx context.Context, symbol, orderID string) exchange.OrderResult {
	var infos []orderInfo
	body := map[string]string{"contract_code": symbol, "order_id": orderID}
	err := c.swap.SignedPost(ctx, orderInfoPath, body, &infos)
	if err != nil || len(infos) == 0 {
		if res, ok := c.getTPSLOrder(ctx, symbol, orderID); ok {
			return res
		}
		if err == nil {
			err = fmt.Errorf("order %s not found", orderID)
		}
		return exchange.Failed(fmt.Errorf("get order: %w", err))
	}
	info := infos[0]
	res := exchange.OrderResult{
		OrderID:        orderID,
		FilledPrice:    info.TradeAvgPrice,
		FilledQuantity: info.TradeVolume,
		FilledTime:     time.UnixMilli(info.CreatedAt),
	}
	switch info.Status {
	case statusFilled:
		res.Outcome = exchange.OutcomeOK
	case statusCanceled, statusPartialCancel:
		res.Outcome = exchange.OutcomeNotFilled
		res.Err = errOrderCanceled
	default:
		res.Outcome = exchange.OutcomeNotFilled
	}
	return res
}

func (c *OrderClient) getTPSLOrder(ctx context.Context, symbol, orderID string) (exchange.OrderResult, bool) {
	var hist tpslHistory
	body := map[string]any{
		"contract_code": symbol,
		"status":        "0",
		"trade_type":    0,
		"create_date":   2,
	}
	if err := c.swap.SignedPost(ctx, tpslHistoryPath, body, &hist); err != nil {
		return exchange.OrderResult{}, false
	}
	for _, o := range hist.Orders {
		if o.OrderIDStr != orderID {
			continue
		}
		res := exchange.OrderResult{OrderID: orderID, FilledPrice: o.TriggerPrice, FilledQuantity: o.Volume}
		if o.UpdateTime > 0 {
			res.FilledTime = time.UnixMilli(o.UpdateTime)
		}
		switch o.Status {
		case tpslStatusTriggered:
			res.Outcome = exchange.OutcomeOK
			// The triggered order carries the actual fill.
			if o.RelationOrderID != "" && o.RelationOrderID != "-1" {
				if filled := c.GetOrder(ctx, symbol, o.RelationOrderID); filled.OK() {
					res.FilledPrice = filled.FilledPrice
					res.FilledTime = filled.FilledTime
					res.FilledQuantity = filled.FilledQuantity
				}
			}
		case tpslStatusCanceled, tpslStatusTrigFailed:
			res.Outcome = exchange.OutcomeNotFilled
			res.Err = errOrderCanceled
		default:
			res.Outcome = exchange.OutcomeNotFilled
		}
		return res, true
	}
	return exchange.OrderResult{}, false
}

// CreateStopLossTakeProfit submits a paired tp/sl order. The result carries both ids.
func (c *OrderClient) CreateStopLossTakeProfit(ctx context.Context, symbol, side string, quantity, stopLoss, takeProfit float64) exchange.OrderResult {
	req := tpslRequest{
		ContractCode:     symbol,
		Direction:        side,
		Volume:           quantity,
		TPTriggerPrice:   takeProfit,
		TPOrderPriceType: "optimal_5",
		SLTriggerPrice:   stopLoss,
		SLOrderPriceType: "optimal_5",
	}
	return c.submitTPSL(ctx, req)
}

// CreateStopLoss submits a lone stop-loss limit order.
func (c *OrderClient) CreateStopLoss(ctx context.Context, symbol, side string, quantity, trigger, limit float64) exchange.OrderResult {
	req := tpslRequest{
		ContractCode:     symbol,
		Direction:        side,
		Volume:           quantity,
		SLTriggerPrice:   trigger,
		SLOrderPrice:     limit,
		SLOrderPriceType: "limit",
	}
	return c.submitTPSL(ctx, req)
}

func (c *OrderClient) submitTPSL(ctx context.Context, req tpslRequest) exchange.OrderResult {
	var resp tpslResponse
	if err := c.swap.SignedPost(ctx, tpslOrderPath, req, &resp); err != nil {
		return exchange.Failed(fmt.Errorf("create tp/sl order: %w", err))
	}
	if resp.SLOrder == nil || resp.SLOrder.OrderIDStr == "" {
		return exchange.Failed(errors.New("create tp/sl order: no stop-loss order id in response"))
	}
	res := exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: resp.SLOrder.OrderIDStr}
	if resp.TPOrder != nil {
		res.TakeProfitOrderID = resp.TPOrder.OrderIDStr
	}
	c.logger.Info("Protective orders submitted",
		zap.String("symbol", req.ContractCode),
		zap.Float64("stop_loss", req.SLTriggerPrice),
		zap.Float64("take_profit", req.TPTriggerPrice),
		zap.String("sl_order_id", res.OrderID),
		zap.String("tp_order_id", res.TakeProfitOrderID))
	return res
}

// CreateClosingOrder closes quantity with an optimal_5 order.
func (c *OrderClient) CreateClosingOrder(ctx context.Context, symbol, side string, quantity float64) exchange.OrderResult {
	req := orderRequest{
		ContractCode:   symbol,
		ClientOrderID:  clientOrderID(),
		Volume:         quantity,
		Direction:      side,
		Offset:         "close",
		LeverRate:      leverRate,
		OrderPriceType: "optimal_5",
	}
	var resp orderResponse
	if err := c.swap.SignedPost(ctx, orderPath, req, &resp); err != nil {
		return exchange.Failed(fmt.Errorf("create closing order: %w", err))
	}
	return c.awaitOrder(ctx, symbol, resp.OrderIDStr)
}

// CancelOrder cancels a tp/sl order.
func (c *OrderClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{"contract_code": symbol, "order_id": orderID}
	if err := c.swap.SignedPost(ctx, tpslCancelPath, body, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

type balanceResponse struct {
	List []struct {
		Currency string `json:"currency"`
		Type     string `json:"type"`
		Balance  string `json:"balance"`
	} `json:"list"`
}

// Balance returns the tradable spot balances by upper-case currency.
func (c *OrderClient) Balance(ctx context.Context) (map[string]float64, error) {
	var resp balanceResponse
	if err := c.spot.SignedGet(ctx, fmt.Sprintf(balancePathFmt, c.acct), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	out := make(map[string]float64)
	for _, b := range resp.List {
		if b.Type != "trade" {
			continue
		}
		v, err := strconv.ParseFloat(b.Balance, 64)
		if err != nil {
			c.logger.Warn("Failed to parse balance", zap.String("currency", b.Currency), zap.Error(err))
			continue
		}
		if v != 0 {
			out[strings.ToUpper(b.Currency)] = v
		}
	}
	return out, nil
}

// SupportsTakeProfit is true: swap tp/sl orders carry both legs.
func (c *OrderClient) SupportsTakeProfit() bool { return true }
