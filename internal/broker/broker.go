// Package broker drives the single current trade through its order
// lifecycle: a fill-or-kill entry, protective stop-loss / take-profit orders,
// the close, and reconciliation with the exchange after a restart.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/database"
	"github.com/pytrade/trade-core/internal/exchange"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/pytrade/trade-core/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTradingDisabled = errors.New("trading is disabled")
	ErrTradeExists     = errors.New("a trade is already in progress")
	ErrTooFrequent     = errors.New("too frequent trades")
	ErrBadDirection    = errors.New("direction must be 1 or -1")
	ErrNotFilled       = errors.New("main order not filled")
	ErrNoTrade         = errors.New("no current trade")
)

// BalanceHeader is the header of the balance snapshot files.
var BalanceHeader = []string{"datetime", "currency", "balance"}

// BalanceRecorder receives balance snapshot rows.
type BalanceRecorder interface {
	Append(tag string, header []string, rows ...[]string)
}

// Options configures a Broker.
type Options struct {
	Ticker              string
	AllowTrade          bool
	MinTradeInterval    time.Duration
	PricePrecision      int32
	AmountPrecision     int32
	StopLossSlippage    float64
	SyntheticTakeProfit bool
	StatusInterval      time.Duration
	OrderTimeout        time.Duration
}

// OptionsFromConfig reads the broker section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Ticker:              cfg.TradingTicker(),
		AllowTrade:          cfg.Broker.AllowTrade,
		MinTradeInterval:    cfg.Broker.MinTradeInterval,
		PricePrecision:      cfg.Order.PricePrecision,
		AmountPrecision:     cfg.Order.AmountPrecision,
		StopLossSlippage:    cfg.Broker.StopLossSlippage,
		SyntheticTakeProfit: cfg.Broker.SyntheticTakeProfit,
		StatusInterval:      cfg.Broker.StatusInterval,
		OrderTimeout:        cfg.Broker.OrderRequestTimeout,
	}
}

// TradeRequest is what a strategy asks the broker to open.
type TradeRequest struct {
	Direction     int
	Quantity      float64
	Price         float64
	StopLoss      float64
	TakeProfit    *float64
	TrailingDelta *float64
}

// Broker owns the current trade. All transitions hold mu; exchange calls are
// made under it so order updates serialize against open and close.
type Broker struct {
	opts     Options
	client   exchange.OrderClient
	db       *gorm.DB
	balances BalanceRecorder
	logger   *zap.Logger
	metrics  metrics.Sink
	now      func() time.Time

	mu            sync.Mutex
	cur           *models.Trade
	prev          *models.Trade
	lastTradeTime time.Time

	updates chan market.OrderUpdate

	tickMu   sync.Mutex
	lastTick market.Tick
	tickSig  chan struct{}
}

// New creates a broker. balances may be nil.
func New(opts Options, client exchange.OrderClient, db *gorm.DB, balances BalanceRecorder, logger *zap.Logger, sink metrics.Sink) *Broker {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Minute
	}
	return &Broker{
		opts:     opts,
		client:   client,
		db:       db,
		balances: balances,
		logger:   logger.Named("broker").With(zap.String("ticker", opts.Ticker)),
		metrics:  sink,
		now:      time.Now,
		updates:  make(chan market.OrderUpdate, 256),
		tickSig:  make(chan struct{}, 1),
	}
}

// CurTrade returns a copy of the current trade, or nil.
func (b *Broker) CurTrade() *models.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.cur)
}

// HasCurTrade reports whether a trade is in progress.
func (b *Broker) HasCurTrade() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

// PrevTrade returns a copy of the last closed trade, or nil.
func (b *Broker) PrevTrade() *models.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.prev)
}

func clone(t *models.Trade) *models.Trade {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (b *Broker) orderCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.OrderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.OrderTimeout)
}

func (b *Broker) round(v float64) float64 {
	return exchange.Round(v, b.opts.PricePrecision)
}

// AdjustedStopLossTakeProfit moves sl and tp by the distance between the
// requested price and the actual fill: sl = fill ∓ |price-sl|, tp = fill ± |tp-price|.
func AdjustedStopLossTakeProfit(direction int, price, sl float64, tp *float64, fill float64, precision int32) (float64, *float64) {
	d := float64(direction)
	slAdj := exchange.Round(fill-d*math.Abs(price-sl), precision)
	if tp == nil {
		return slAdj, nil
	}
	tpAdj := exchange.Round(fill+d*math.Abs(*tp-price), precision)
	return slAdj, &tpAdj
}

// CompositeStopLossID joins protective order ids ordered by trigger price:
// "sl,tp" for a buy and "tp,sl" for a sell.
func CompositeStopLossID(direction int, slID, tpID string) string {
	switch {
	case tpID == "":
		return slID
	case direction < 0:
		return tpID + "," + slID
	default:
		return slID + "," + tpID
	}
}

// CreateCurTrade opens a trade. It returns nil and an error when the request
// is refused or the main order is not filled; no state changes in that case
// except the last trade time.
func (b *Broker) CreateCurTrade(ctx context.Context, req TradeRequest) (*models.Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opts.AllowTrade {
		return nil, ErrTradingDisabled
	}
	if b.cur != nil {
		return nil, ErrTradeExists
	}
	now := b.now()
	if !b.lastTradeTime.IsZero() && now.Sub(b.lastTradeTime) <= b.opts.MinTradeInterval {
		return nil, ErrTooFrequent
	}
	side := models.DirectionToSide(req.Direction)
	if side == "" {
		return nil, fmt.Errorf("%w: got %d", ErrBadDirection, req.Direction)
	}

	price := b.round(req.Price)
	sl := b.round(req.StopLoss)
	var tp *float64
	if req.TakeProfit != nil {
		v := b.round(*req.TakeProfit)
		tp = &v
	}
	qty := exchange.Round(req.Quantity, b.opts.AmountPrecision)
	b.lastTradeTime = now

	l := b.logger.With(zap.String("side", side), zap.Float64("price", price), zap.Float64("quantity", qty))
	l.Info("Opening trade", zap.Float64("stop_loss", sl), zap.Float64p("take_profit", tp))

	octx, cancel := b.orderCtx(ctx)
	res := b.client.CreateMainOrder(octx, b.opts.Ticker, side, qty, price)
	cancel()
	if !res.OK() {
		b.metrics.IncCounter("broker.orders", "kind", "main", "outcome", res.Outcome.String())
		l.Warn("Main order not filled", zap.Stringer("outcome", res.Outcome), zap.Error(res.Err))
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotFilled, res.Err)
		}
		return nil, ErrNotFilled
	}
	b.metrics.IncCounter("broker.orders", "kind", "main", "outcome", "ok")

	fill := res.FilledPrice
	if fill <= 0 {
		fill = price
	}
	openTime := res.FilledTime
	if openTime.IsZero() {
		openTime = now
	}
	if res.FilledQuantity > 0 {
		qty = res.FilledQuantity
	}
	trade := &models.Trade{
		Ticker:          b.opts.Ticker,
		Side:            side,
		Quantity:        qty,
		OpenTime:        openTime,
		OpenPrice:       fill,
		OpenOrderID:     res.OrderID,
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		TrailingDelta:   req.TrailingDelta,
		Status:          models.StatusOpening,
	}
	b.cur = trade
	b.save(trade)
	b.metrics.SetGauge("broker.trade.open", 1, "ticker", b.opts.Ticker)

	if err := b.protect(ctx, trade, price, sl, tp); err != nil {
		l.Error("Failed to protect trade, closing it", zap.Error(err))
		if cerr := b.closeLocked(ctx, "protect_failed"); cerr != nil {
			l.Error("Failed to close unprotected trade", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to protect trade: %w", err)
	}
	l.Info("Trade opened",
		zap.Float64("fill", trade.OpenPrice),
		zap.Float64("stop_loss", trade.StopLossPrice),
		zap.Float64p("take_profit", trade.TakeProfitPrice),
		zap.String("stop_loss_order_id", trade.StopLossOrderID))
	return clone(trade), nil
}

func (b *Broker) syntheticTakeProfit() bool {
	return b.opts.SyntheticTakeProfit || !b.client.SupportsTakeProfit()
}

// protect places the stop-loss (and take-profit) orders adjusted to the fill
// and moves the trade to opened.
func (b *Broker) protect(ctx context.Context, t *models.Trade, price, sl float64, tp *float64) error {
	dir := t.Direction()
	closeSide := models.DirectionToSide(-dir)
	slAdj, tpAdj := AdjustedStopLossTakeProfit(dir, price, sl, tp, t.OpenPrice, b.opts.PricePrecision)

	octx, cancel := b.orderCtx(ctx)
	defer cancel()
	var res exchange.OrderResult
	if tpAdj != nil && !b.syntheticTakeProfit() {
		res = b.client.CreateStopLossTakeProfit(octx, t.Ticker, closeSide, t.Quantity, slAdj, *tpAdj)
	} else {
		limit := b.round(slAdj * (1 - float64(dir)*b.opts.StopLossSlippage))
		res = b.client.CreateStopLoss(octx, t.Ticker, closeSide, t.Quantity, slAdj, limit)
	}
	b.metrics.IncCounter("broker.orders", "kind", "stop_loss", "outcome", res.Outcome.String())
	if !res.OK() {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("stop-loss order %s", res.Outcome)
	}

	t.StopLossPrice = slAdj
	t.TakeProfitPrice = tpAdj
	t.StopLossOrderID = CompositeStopLossID(dir, res.OrderID, res.TakeProfitOrderID)
	t.Status = models.StatusOpened
	b.save(t)
	return nil
}

// CloseCurTrade closes the current trade at market.
func (b *Broker) CloseCurTrade(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opts.AllowTrade {
		return ErrTradingDisabled
	}
	if b.cur == nil {
		return ErrNoTrade
	}
	return b.closeLocked(ctx, "close")
}

// closeLocked checks whether a protective order already closed the position,
// otherwise cancels the protective orders and sends a market close.
func (b *Broker) closeLocked(ctx context.Context, reason string) error {
	t := b.cur
	if t == nil {
		return nil
	}
	if b.closedByProtectiveOrder(ctx, t) {
		return nil
	}
	t.Status = models.StatusClosing
	b.save(t)

	octx, cancel := b.orderCtx(ctx)
	defer cancel()
	for _, id := range t.StopLossOrderIDs() {
		if err := b.client.CancelOrder(octx, t.Ticker, id); err != nil {
			b.logger.Warn("Failed to cancel protective order", zap.String("order_id", id), zap.Error(err))
		}
	}
	res := b.client.CreateClosingOrder(octx, t.Ticker, models.DirectionToSide(-t.Direction()), t.Quantity)
	b.metrics.IncCounter("broker.orders", "kind", "close", "outcome", res.Outcome.String())
	if !res.OK() {
		if res.Err == nil {
			res.Err = fmt.Errorf("closing order %s", res.Outcome)
		}
		return fmt.Errorf("failed to close trade: %w", res.Err)
	}
	b.finishTrade(t, res.FilledPrice, res.FilledTime, res.OrderID, reason)
	return nil
}

// closedByProtectiveOrder finishes t when one of its protective orders is filled.
func (b *Broker) closedByProtectiveOrder(ctx context.Context, t *models.Trade) bool {
	for _, id := range t.StopLossOrderIDs() {
		octx, cancel := b.orderCtx(ctx)
		res := b.client.GetOrder(octx, t.Ticker, id)
		cancel()
		if res.OK() {
			b.finishTrade(t, res.FilledPrice, res.FilledTime, id, "stop_loss")
			return true
		}
	}
	return false
}

// finishTrade is the terminal transition. It is a no-op unless t is still the
// current trade, so whichever close path fires first wins.
func (b *Broker) finishTrade(t *models.Trade, price float64, at time.Time, orderID, reason string) bool {
	if b.cur == nil || b.cur != t || t.IsClosed() {
		return false
	}
	if at.IsZero() {
		at = b.now()
	}
	t.ClosePrice = &price
	t.CloseTime = &at
	t.CloseOrderID = &orderID
	t.Status = models.StatusClosed
	b.save(t)
	b.prev = t
	b.cur = nil

	b.metrics.SetGauge("broker.trade.open", 0, "ticker", b.opts.Ticker)
	b.metrics.IncCounter("broker.trades.closed", "reason", reason)
	b.metrics.SetGauge("broker.trade.profit", t.Profit(), "ticker", b.opts.Ticker)
	b.logger.Info("Trade closed",
		zap.String("reason", reason),
		zap.String("side", t.Side),
		zap.Float64("open", t.OpenPrice),
		zap.Float64("close", price),
		zap.Float64("profit", t.Profit()))
	return true
}

func (b *Broker) save(t *models.Trade) {
	if b.db == nil {
		return
	}
	if err := b.db.Save(t).Error; err != nil {
		b.logger.Error("Failed to save trade", zap.Uint("trade_id", t.ID), zap.Error(err))
	}
}

// Start restores the last open and closed trades and, when trading is
// allowed, reconciles the open one with the exchange.
func (b *Broker) Start(ctx context.Context) error {
	if b.db == nil {
		b.logger.Info("No database, nothing to recover")
		return nil
	}
	cur, err := database.LastOpenTrade(b.db, b.opts.Ticker)
	if err != nil {
		return err
	}
	prev, err := database.LastClosedTrade(b.db, b.opts.Ticker)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cur, b.prev = cur, prev
	b.mu.Unlock()

	if cur == nil {
		b.logger.Info("No trade to recover")
		return nil
	}
	b.logger.Info("Recovered trade", zap.Uint("trade_id", cur.ID), zap.String("status", string(cur.Status)))
	b.metrics.SetGauge("broker.trade.open", 1, "ticker", b.opts.Ticker)
	if !b.opts.AllowTrade {
		return nil
	}
	return b.FixCurTrade(ctx)
}

// FixCurTrade closes the current trade when a protective order already filled,
// and force-closes a trade stuck outside the opened status.
func (b *Broker) FixCurTrade(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.cur
	if t == nil {
		return nil
	}
	if b.closedByProtectiveOrder(ctx, t) {
		return nil
	}
	if t.Status != models.StatusOpened {
		b.logger.Warn("Force closing trade", zap.Uint("trade_id", t.ID), zap.String("status", string(t.Status)))
		return b.closeLocked(ctx, "recovery")
	}
	return nil
}

// OnOrderUpdate queues an exchange order event. It runs on the websocket
// decoder goroutine and never blocks.
func (b *Broker) OnOrderUpdate(u market.OrderUpdate) {
	select {
	case b.updates <- u:
	default:
		b.logger.Warn("Order update queue full, dropping event", zap.String("order_id", u.OrderID))
	}
}

// HandleOrderUpdate applies an order event to the current trade: a filled
// protective order closes it, a filled main order refines its open fields.
func (b *Broker) HandleOrderUpdate(ctx context.Context, u market.OrderUpdate) {
	if u.Status != market.OrderFilled || (u.Symbol != "" && u.Symbol != b.opts.Ticker) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.cur
	if t == nil {
		return
	}
	switch {
	case t.HasStopLossOrder(u.OrderID):
		for _, id := range t.StopLossOrderIDs() {
			if id == u.OrderID {
				continue
			}
			if err := b.client.CancelOrder(ctx, t.Ticker, id); err != nil {
				b.logger.Debug("Failed to cancel sibling order", zap.String("order_id", id), zap.Error(err))
			}
		}
		b.finishTrade(t, u.FillPrice, u.Timestamp, u.OrderID, "stop_loss")
	case u.OrderID == t.OpenOrderID:
		if u.FillPrice > 0 {
			t.OpenPrice = u.FillPrice
		}
		if !u.Timestamp.IsZero() {
			t.OpenTime = u.Timestamp
		}
		b.save(t)
	}
}

// OnTick records the last price for the synthetic take-profit check.
func (b *Broker) OnTick(t market.Tick) {
	b.tickMu.Lock()
	b.lastTick = t
	b.tickMu.Unlock()
	select {
	case b.tickSig <- struct{}{}:
	default:
	}
}

// CheckTakeProfit closes an opened trade at market once the price crossed its
// take-profit in the favorable direction, on venues without native take-profit.
func (b *Broker) CheckTakeProfit(ctx context.Context) {
	if !b.opts.AllowTrade || !b.syntheticTakeProfit() {
		return
	}
	b.tickMu.Lock()
	tick := b.lastTick
	b.tickMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.cur
	if t == nil || t.Status != models.StatusOpened || t.TakeProfitPrice == nil {
		return
	}
	tp := *t.TakeProfitPrice
	crossed := false
	switch t.Direction() {
	case 1:
		crossed = tick.Bid > 0 && tick.Bid >= tp
	case -1:
		crossed = tick.Ask > 0 && tick.Ask <= tp
	}
	if !crossed {
		return
	}
	b.logger.Info("Take-profit crossed", zap.Float64("take_profit", tp), zap.Float64("bid", tick.Bid), zap.Float64("ask", tick.Ask))
	if err := b.closeLocked(ctx, "take_profit"); err != nil {
		b.logger.Error("Failed to close at take-profit", zap.Error(err))
	}
}

// Run processes order events and ticks and reports status until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-b.updates:
			b.HandleOrderUpdate(ctx, u)
		case <-b.tickSig:
			b.CheckTakeProfit(ctx)
		case <-ticker.C:
			b.Report(ctx)
		}
	}
}

// Report logs the trade status, retries a stuck close and records balances.
func (b *Broker) Report(ctx context.Context) {
	t := b.CurTrade()
	if t == nil {
		b.logger.Info("Status: no trade")
	} else {
		b.logger.Info("Status",
			zap.String("side", t.Side),
			zap.String("status", string(t.Status)),
			zap.Float64("open", t.OpenPrice),
			zap.Float64("stop_loss", t.StopLossPrice))
		if t.Status != models.StatusOpened && b.opts.AllowTrade {
			if err := b.FixCurTrade(ctx); err != nil {
				b.logger.Error("Failed to fix trade", zap.Error(err))
			}
		}
	}

	octx, cancel := b.orderCtx(ctx)
	defer cancel()
	balances, err := b.client.Balance(octx)
	if err != nil {
		b.logger.Warn("Failed to get balance", zap.Error(err))
		return
	}
	ts := b.now().UTC().Format(time.RFC3339)
	currencies := make([]string, 0, len(balances))
	for cur := range balances {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	rows := make([][]string, 0, len(balances))
	for _, cur := range currencies {
		b.metrics.SetGauge("broker.balance", balances[cur], "currency", cur)
		rows = append(rows, []string{ts, cur, exchange.Format(balances[cur], 8)})
	}
	if b.balances != nil {
		b.balances.Append("balance", BalanceHeader, rows...)
	}
}
