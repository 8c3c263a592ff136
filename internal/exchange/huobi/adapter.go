// Package huobi is the Huobi linear swap venue: signed REST orders,
// market data and order notification websocket protocols.
package huobi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/exchange"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/pytrade/trade-core/internal/wsfeed"
	"go.uber.org/zap"
)

// ID is the exchange id under which the adapter registers.
const ID = "huobi"

const historyKlinePath = "/linear-swap-ex/market/history/kline"

func init() {
	exchange.Register(ID, NewAdapter)
}

var _ exchange.Adapter = (*Adapter)(nil)

// Adapter wires the Huobi pieces together.
type Adapter struct {
	rest       *RestClient
	orders     *OrderClient
	marketFeed *wsfeed.Feed
	orderFeed  *wsfeed.Feed
	now        func() time.Time
}

// NewAdapter builds the venue from configuration.
func NewAdapter(cfg *config.Config, logger *zap.Logger, sink metrics.Sink) (exchange.Adapter, error) {
	h := cfg.Huobi
	if h.Host == "" {
		return nil, fmt.Errorf("missing config key: huobi.host")
	}
	log := logger.Named("huobi")
	swap := NewRestClient(h.Host, h.Key, h.Secret, h.HTTPTimeout, h.RateLimit, h.RateLimitBurst, log)
	spot := NewRestClient(h.SpotHost, h.Key, h.Secret, h.HTTPTimeout, h.RateLimit, h.RateLimitBurst, log)

	opts := wsfeed.Options{
		ResubscribeInterval: cfg.Websocket.ResubscribeInterval,
		MaxBackoff:          cfg.Websocket.MaxBackoff,
	}
	orders := NewOrderClient(swap, spot, h.AccountID, log)
	if d := cfg.Broker.FillConfirmationDelay; d > 0 {
		orders.pollInterval = d
	}
	a := &Adapter{
		rest:       swap,
		orders:     orders,
		marketFeed: wsfeed.New("market", &MarketProtocol{Host: h.Host}, opts, log, sink),
		now:        time.Now,
	}
	// the notification feed authenticates on every connect
	if h.Key != "" && h.Secret != "" {
		a.orderFeed = wsfeed.New("orders", &NotificationProtocol{Host: h.Host, Key: h.Key, Secret: h.Secret}, opts, log, sink)
	} else {
		log.Warn("No API credentials, order notifications are disabled")
	}
	return a, nil
}

func (a *Adapter) Name() string                       { return ID }
func (a *Adapter) OrderClient() exchange.OrderClient  { return a.orders }
func (a *Adapter) MarketFeed() *wsfeed.Feed           { return a.marketFeed }
func (a *Adapter) OrderFeed() *wsfeed.Feed            { return a.orderFeed }
func (a *Adapter) OrderTopics(symbol string) []string { return []string{OrdersTopic(symbol), TriggerTopic(symbol)} }

func (a *Adapter) MarketTopics(symbol string, bidAsk, level2 bool, candlePeriods []time.Duration) []string {
	var topics []string
	if bidAsk {
		topics = append(topics, BBOTopic(symbol))
	}
	if level2 {
		topics = append(topics, DepthTopic(symbol))
	}
	for _, p := range candlePeriods {
		topics = append(topics, KlineTopic(symbol, p))
	}
	return topics
}

// CandleHistory returns up to count closed candles, oldest first.
func (a *Adapter) CandleHistory(ctx context.Context, symbol string, period time.Duration, count int) ([]market.Candle, error) {
	query := url.Values{}
	query.Set("contract_code", symbol)
	query.Set("period", market.PeriodName(period))
	// one more for the bar still in progress
	query.Set("size", strconv.Itoa(count+1))

	var ticks []klineTick
	if err := a.rest.Get(ctx, historyKlinePath, query, &ticks); err != nil {
		return nil, fmt.Errorf("failed to get candle history: %w", err)
	}
	now := a.now()
	candles := make([]market.Candle, 0, len(ticks))
	for _, t := range ticks {
		open := time.Unix(t.ID, 0).UTC()
		closeTime := open.Add(period)
		if closeTime.After(now) {
			continue
		}
		candles = append(candles, market.Candle{
			Symbol:    symbol,
			Interval:  market.PeriodName(period),
			OpenTime:  open,
			CloseTime: closeTime,
			Open:      t.Open,
			High:      t.High,
			Low:       t.Low,
			Close:     t.Close,
			Volume:    t.Amount,
		})
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}
