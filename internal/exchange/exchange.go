// Package exchange is the venue-independent facade: typed order outcomes,
// the order client the broker drives, and the adapter registry.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/pytrade/trade-core/internal/wsfeed"
	"go.uber.org/zap"
)

// Outcome tags the result of an exchange operation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFilled
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFilled:
		return "not_filled"
	case OutcomeError:
		return "error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// OrderResult is what every order operation returns.
type OrderResult struct {
	Outcome Outcome
	// OrderID is the exchange id of the order. For stop-loss + take-profit
	// orders it is the stop-loss id.
	OrderID string
	// TakeProfitOrderID is set when a take-profit order was placed alongside.
	TakeProfitOrderID string
	FilledPrice       float64
	FilledQuantity    float64
	FilledTime        time.Time
	Err               error
}

// OK reports OutcomeOK.
func (r OrderResult) OK() bool { return r.Outcome == OutcomeOK }

// Failed builds an error result.
func Failed(err error) OrderResult {
	return OrderResult{Outcome: OutcomeError, Err: err}
}

// OrderClient is the order surface of a venue. Sides are "buy"/"sell".
type OrderClient interface {
	// CreateMainOrder places a fill-or-kill limit order.
	CreateMainOrder(ctx context.Context, symbol, side string, quantity, price float64) OrderResult
	// CreateStopLossTakeProfit protects an open position. side is the closing side.
	CreateStopLossTakeProfit(ctx context.Context, symbol, side string, quantity, stopLoss, takeProfit float64) OrderResult
	// CreateStopLoss places a lone stop-loss limit order. side is the closing side.
	CreateStopLoss(ctx context.Context, symbol, side string, quantity, trigger, limit float64) OrderResult
	// CreateClosingOrder closes quantity at market. side is the closing side.
	CreateClosingOrder(ctx context.Context, symbol, side string, quantity float64) OrderResult
	// GetOrder reports the state of an order: OK when filled, NotFilled when
	// still open or canceled.
	GetOrder(ctx context.Context, symbol, orderID string) OrderResult
	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// Balance returns free balances by currency.
	Balance(ctx context.Context) (map[string]float64, error)
	// SupportsTakeProfit is false on venues where take-profit must be synthesized.
	SupportsTakeProfit() bool
}

// Adapter yields the concrete pieces of one venue.
type Adapter interface {
	Name() string
	OrderClient() OrderClient
	// MarketFeed streams bid/ask, level2 and candles.
	MarketFeed() *wsfeed.Feed
	// OrderFeed streams order updates of the account. It is nil when the
	// venue has no API credentials.
	OrderFeed() *wsfeed.Feed
	// MarketTopics lists the topics for the requested kinds of symbol.
	MarketTopics(symbol string, bidAsk, level2 bool, candlePeriods []time.Duration) []string
	OrderTopics(symbol string) []string
	// CandleHistory fetches the last count closed candles over REST to warm the candles feed.
	CandleHistory(ctx context.Context, symbol string, period time.Duration, count int) ([]market.Candle, error)
}

// Factory builds an adapter from configuration.
type Factory func(cfg *config.Config, logger *zap.Logger, sink metrics.Sink) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a venue available under id.
func Register(id string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = factory
}

// New builds the adapter registered under id.
func New(id string, cfg *config.Config, logger *zap.Logger, sink metrics.Sink) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q, known: %v", id, Registered())
	}
	return factory(cfg, logger, sink)
}

// Registered lists the registered ids.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
