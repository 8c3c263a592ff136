// Package app wires configuration into a running trading process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/pytrade/trade-core/internal/broker"
	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/database"
	"github.com/pytrade/trade-core/internal/exchange"
	_ "github.com/pytrade/trade-core/internal/exchange/huobi"
	"github.com/pytrade/trade-core/internal/feed"
	"github.com/pytrade/trade-core/internal/history"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/pytrade/trade-core/internal/persist"
	"github.com/pytrade/trade-core/internal/risk"
	"github.com/pytrade/trade-core/internal/storage"
	"github.com/pytrade/trade-core/internal/trader"
	"github.com/pytrade/trade-core/internal/watchdog"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App owns every long-lived component of one strategy process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *gorm.DB
	metrics   *metrics.Prometheus
	adapter   exchange.Adapter
	feeds     trader.Feeds
	broker    *broker.Broker
	persister *persist.State
	runtime   *trader.Runtime
	watchdog  *watchdog.Watchdog
	api       *trader.APIServer
}

// New builds the components described by cfg. Nothing is started.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger.Named("app")}
	ticker := cfg.TradingTicker()
	a.metrics = metrics.NewPrometheus(logger)

	db, err := database.NewDatabase(cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	a.db = db

	var store storage.ObjectStorage
	if cfg.S3.Enabled {
		s3, err := storage.NewS3Storage(cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		store = s3
	}

	a.adapter, err = exchange.New(cfg.Exchange, cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}

	strategyDir := cfg.StrategyDir()
	a.persister = persist.New(filepath.Join(strategyDir, "Xy"), path.Join(cfg.Strategy, "Xy"), ticker, store, logger)
	a.persister.Route("balance", persist.Route{
		Dir:          filepath.Join(strategyDir, "account"),
		RemotePrefix: path.Join(cfg.Strategy, "account"),
		NoTicker:     true,
	})

	algo, err := trader.NewAlgorithm(cfg.Strategy, cfg, a.persister)
	if err != nil {
		return nil, err
	}
	if err := a.buildFeeds(algo.Kinds(), store, logger); err != nil {
		return nil, err
	}

	a.broker = broker.New(broker.OptionsFromConfig(cfg), a.adapter.OrderClient(), db, a.persister, logger, a.metrics)
	if of := a.adapter.OrderFeed(); of != nil {
		of.Register(a.broker)
		of.SetTopics(a.adapter.OrderTopics(ticker)...)
	} else if cfg.Broker.AllowTrade {
		a.logger.Warn("Trading without order notifications, fills are polled")
	}
	if a.feeds.BidAsk != nil {
		// the synthetic take-profit follows the same bid/ask stream
		a.adapter.MarketFeed().Register(tickForwarder{a.broker})
	}

	models := persist.NewModelStore(filepath.Join(strategyDir, "model"), cfg.Persist.ModelKeep,
		path.Join(cfg.Strategy, "model"), store, logger)
	a.runtime, err = trader.NewRuntime(algo, trader.OptionsFromConfig(cfg), trader.Deps{
		Feeds:     a.feeds,
		Broker:    a.broker,
		Risk:      risk.New(a.broker, cfg.Risk.WaitAfterLoss, cfg.Broker.Fee, logger),
		Persister: a.persister,
		Models:    models,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.watchdog = watchdog.New(a.runtime, cfg.Watchdog.Warmup, cfg.Watchdog.Interval, logger, a.metrics)
	if cfg.API.Port > 0 {
		var h http.Handler
		if cfg.Metrics.Type != config.MetricsPushToGateway {
			h = a.metrics.Handler()
		}
		a.api = trader.NewAPIServer(cfg.API.Port, a.runtime, db, h, logger)
	}
	return a, nil
}

// tickForwarder hands the broker ticks only; order updates come from the order feed.
type tickForwarder struct{ b *broker.Broker }

func (f tickForwarder) OnTick(t market.Tick) { f.b.OnTick(t) }

func (a *App) buildFeeds(kinds []market.Kind, store storage.ObjectStorage, logger *zap.Logger) error {
	cfg := a.cfg
	ticker := cfg.TradingTicker()
	shared := feed.NewShared()
	windows := feed.Windows{Max: cfg.Trading.HistoryMaxWindow, Min: cfg.Trading.HistoryMinWindow}
	a.feeds = trader.Feeds{Shared: shared}

	var periods []time.Duration
	for _, k := range kinds {
		switch k {
		case market.KindBidAsk:
			a.feeds.BidAsk = feed.NewBidAskFeed(shared, windows)
			a.adapter.MarketFeed().Register(a.feeds.BidAsk)
		case market.KindLevel2:
			a.feeds.Level2 = feed.NewLevel2Feed(shared, windows)
			a.adapter.MarketFeed().Register(a.feeds.Level2)
		case market.KindCandles:
			f, err := feed.NewCandlesFeed(shared, windows, cfg.Feed.CandlesPeriods, cfg.Feed.CandlesCounts)
			if err != nil {
				return fmt.Errorf("failed to build candles feed: %w", err)
			}
			a.feeds.Candles = f
			a.adapter.MarketFeed().Register(f)
			periods = f.Periods()
		}
	}
	a.adapter.MarketFeed().SetTopics(a.adapter.MarketTopics(ticker, a.feeds.BidAsk != nil, a.feeds.Level2 != nil, periods)...)

	if !cfg.History.Enabled {
		return nil
	}
	a.feeds.History = make(map[market.Kind]*history.Reconciler)
	for _, k := range kinds {
		a.feeds.History[k] = history.New(history.Options{
			Kind:           k,
			Ticker:         ticker,
			DataDir:        cfg.DataDir,
			RemotePrefix:   cfg.History.RawPrefix,
			MaxWindow:      cfg.Trading.HistoryMaxWindow,
			ReloadInterval: cfg.History.ReloadInterval,
		}, store, logger)
	}
	return nil
}

// warmCandles backfills the candles feed over REST so the first learn does
// not wait for a full window of streamed bars.
func (a *App) warmCandles(ctx context.Context) {
	f := a.feeds.Candles
	if f == nil {
		return
	}
	ticker := a.cfg.TradingTicker()
	for i, p := range f.Periods() {
		count := int(a.cfg.Trading.HistoryMaxWindow / p)
		if i < len(a.cfg.Feed.CandlesCounts) {
			count = a.cfg.Feed.CandlesCounts[i]
		}
		if count <= 0 {
			continue
		}
		candles, err := a.adapter.CandleHistory(ctx, ticker, p, count)
		if err != nil {
			a.logger.Warn("Failed to warm candles", zap.Duration("period", p), zap.Error(err))
			continue
		}
		for _, c := range candles {
			f.OnCandle(c)
		}
		a.logger.Info("Candles warmed", zap.Duration("period", p), zap.Int("count", len(candles)))
	}
}

// Tripped reports whether the watchdog stopped the process.
func (a *App) Tripped() bool { return a.watchdog.Tripped() }

// Run starts every component and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting",
		zap.String("strategy", a.cfg.Strategy),
		zap.String("exchange", a.adapter.Name()),
		zap.String("ticker", a.cfg.TradingTicker()))

	if err := a.broker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	if err := a.runtime.Start(ctx); err != nil {
		return err
	}
	a.warmCandles(ctx)
	if a.api != nil {
		a.api.Start()
	}

	var wg conc.WaitGroup
	wg.Go(func() { a.runFeed(ctx, "market", a.adapter.MarketFeed().Run) })
	if of := a.adapter.OrderFeed(); of != nil {
		wg.Go(func() { a.runFeed(ctx, "orders", of.Run) })
	}
	wg.Go(func() { a.broker.Run(ctx) })
	wg.Go(func() { a.runtime.Run(ctx) })
	wg.Go(func() { a.persister.Run(ctx, a.cfg.Persist.Interval) })
	wg.Go(func() { a.watchdog.Run(ctx) })
	if a.cfg.Metrics.Type == config.MetricsPushToGateway {
		wg.Go(func() {
			a.metrics.RunPusher(ctx, a.cfg.Metrics.PushURL, a.cfg.Strategy, a.cfg.Metrics.PushInterval)
		})
	}

	var errs error
	if r := wg.WaitAndRecover(); r != nil {
		errs = multierr.Append(errs, r.AsError())
	}
	return multierr.Append(errs, a.shutdown())
}

func (a *App) runFeed(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil {
		a.logger.Error("Feed stopped", zap.String("feed", name), zap.Error(err))
	}
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop api server: %w", err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		errs = multierr.Append(errs, sqlDB.Close())
	}
	a.logger.Info("Stopped", zap.Bool("watchdog_tripped", a.Tripped()))
	return errs
}
