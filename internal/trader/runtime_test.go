package trader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pytrade/trade-core/internal/broker"
	"github.com/pytrade/trade-core/internal/database"
	"github.com/pytrade/trade-core/internal/exchange"
	"github.com/pytrade/trade-core/internal/feed"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/persist"
	"github.com/pytrade/trade-core/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testTicker = "BTC-USDT"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fillingClient fills every order at the requested price.
type fillingClient struct {
	mainOrders int
}

func (c *fillingClient) CreateMainOrder(_ context.Context, _, _ string, quantity, price float64) exchange.OrderResult {
	c.mainOrders++
	return exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "main", FilledPrice: price, FilledQuantity: quantity}
}

func (c *fillingClient) CreateStopLossTakeProfit(context.Context, string, string, float64, float64, float64) exchange.OrderResult {
	return exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "sl", TakeProfitOrderID: "tp"}
}

func (c *fillingClient) CreateStopLoss(context.Context, string, string, float64, float64, float64) exchange.OrderResult {
	return exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "sl"}
}

func (c *fillingClient) CreateClosingOrder(_ context.Context, _, _ string, quantity float64) exchange.OrderResult {
	return exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "close", FilledQuantity: quantity}
}

func (c *fillingClient) GetOrder(context.Context, string, string) exchange.OrderResult {
	return exchange.OrderResult{Outcome: exchange.OutcomeNotFilled}
}

func (c *fillingClient) CancelOrder(context.Context, string, string) error { return nil }

func (c *fillingClient) Balance(context.Context) (map[string]float64, error) {
	return map[string]float64{"USDT": 100}, nil
}

func (c *fillingClient) SupportsTakeProfit() bool { return true }

type gate bool

func (g gate) CanTrade(time.Time) bool { return bool(g) }

// constModel predicts the same target row for every input.
type constModel struct{ out []float64 }

func (m constModel) Fit([][]float64, [][]float64, int) error { return nil }

func (m constModel) Predict(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = append([]float64(nil), m.out...)
	}
	return out, nil
}

type identity struct{}

func (identity) Fit([][]float64)                      {}
func (identity) Transform(r [][]float64) [][]float64 { return r }
func (identity) Inverse(r [][]float64) [][]float64   { return r }

type fixture struct {
	runtime   *Runtime
	db        *gorm.DB
	broker    *broker.Broker
	client    *fillingClient
	bidAsk    *feed.BidAskFeed
	persister *persist.State
	models    *persist.ModelStore
	dir       string
}

func newFixture(t *testing.T, algo Algorithm, risk RiskGate, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)

	client := &fillingClient{}
	b := broker.New(broker.Options{
		Ticker: testTicker, AllowTrade: true, MinTradeInterval: 10 * time.Second,
		PricePrecision: 2, AmountPrecision: 3,
	}, client, db, nil, zap.NewNop(), nil)

	shared := feed.NewShared()
	bidAsk := feed.NewBidAskFeed(shared, feed.Windows{Max: 30 * time.Minute, Min: 10 * time.Minute})
	p := persist.New(filepath.Join(dir, "Xy"), "", testTicker, nil, zap.NewNop())
	ms := persist.NewModelStore(filepath.Join(dir, "model"), 1, "", nil, zap.NewNop())

	opts.Ticker = testTicker
	if opts.Quantity == 0 {
		opts.Quantity = 0.001
	}
	r, err := NewRuntime(algo, opts, Deps{
		Feeds:     Feeds{Shared: shared, BidAsk: bidAsk},
		Broker:    b,
		Risk:      risk,
		Persister: p,
		Models:    ms,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{runtime: r, db: db, broker: b, client: client, bidAsk: bidAsk, persister: p, models: ms, dir: dir}
}

// feedTicks pushes a tick every 30s in [from, to) with the given bid.
func (f *fixture) feedTicks(from, to time.Time, bid func(i int) float64) {
	i := 0
	for ts := from; ts.Before(to); ts = ts.Add(30 * time.Second) {
		b := bid(i)
		f.bidAsk.OnTick(market.Tick{Timestamp: ts, Symbol: testTicker, Bid: b, BidVol: 1, Ask: b + 1, AskVol: 1})
		i++
	}
}

// inject installs a model that predicts constant bid/ask deltas.
func (f *fixture) inject(deltas ...float64) {
	f.runtime.mu.Lock()
	defer f.runtime.mu.Unlock()
	f.runtime.model = constModel{out: deltas}
	f.runtime.xPipe, f.runtime.yPipe = identity{}, identity{}
	f.runtime.yColumns = targetColumns
	f.runtime.lastLearn = t0.Add(time.Hour)
}

func flat(int) float64 { return 10 }

func TestRuntime_BuySignalOpensTrade(t *testing.T) {
	algo := NewBidAskMinMax(Params{ProfitLossRatio: 4, StopLossAddRatio: 0.25})
	f := newFixture(t, algo, gate(true), Options{LearnInterval: time.Hour, MinXYLen: 2})
	f.feedTicks(t0, t0.Add(11*time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(11*time.Minute + 10*time.Second) }
	// bid 10, ask 11: bid_min_fut 9, bid_max_fut 19, ask extremes 11
	f.inject(-1, 9, 0, 0)

	f.runtime.Process(context.Background())

	trade := f.broker.CurTrade()
	require.NotNil(t, trade)
	assert.Equal(t, "buy", trade.Side)
	assert.Equal(t, 11.0, trade.OpenPrice)
	assert.Equal(t, 8.5, trade.StopLossPrice)
	assert.Equal(t, 19.0, *trade.TakeProfitPrice)
	assert.Equal(t, 2.5, *trade.TrailingDelta)
	assert.Equal(t, "sl,tp", trade.StopLossOrderID)

	assert.Equal(t, 1, f.persister.Buffered("signal_ext"))
	assert.Equal(t, 1, f.persister.Buffered("y_pred"))
	assert.Equal(t, StatusOK, f.runtime.Status().LastStatus)
	assert.Equal(t, StateIdle, f.runtime.State())

	// a second signal finds the slot taken
	f.runtime.Process(context.Background())
	assert.Equal(t, StatusAlreadyInMarket, f.runtime.Status().LastStatus)
	assert.Equal(t, 1, f.client.mainOrders)
}

func TestRuntime_RiskGateDenies(t *testing.T) {
	algo := NewBidAskMinMax(Params{ProfitLossRatio: 4, StopLossAddRatio: 0.25})
	f := newFixture(t, algo, gate(false), Options{LearnInterval: time.Hour})
	f.feedTicks(t0, t0.Add(11*time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(11 * time.Minute) }
	f.inject(-1, 9, 0, 0)

	f.runtime.Process(context.Background())
	assert.Nil(t, f.broker.CurTrade())
	assert.Equal(t, StatusRiskDeny, f.runtime.Status().LastStatus)
	assert.Zero(t, f.client.mainOrders)
}

func TestRuntime_NoSignal(t *testing.T) {
	algo := NewBidAskMinMax(Params{ProfitLossRatio: 4, StopLossAddRatio: 0.25})
	f := newFixture(t, algo, gate(true), Options{LearnInterval: time.Hour})
	f.feedTicks(t0, t0.Add(11*time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(11 * time.Minute) }
	f.inject(0, 0, 0, 0)

	f.runtime.Process(context.Background())
	assert.Nil(t, f.broker.CurTrade())
	assert.Equal(t, StatusNoSignal, f.runtime.Status().LastStatus)
}

func TestRuntime_NoPredictionBelowMinHistory(t *testing.T) {
	algo := NewBidAskMinMax(Params{ProfitLossRatio: 4, StopLossAddRatio: 0.25})
	f := newFixture(t, algo, gate(true), Options{LearnInterval: time.Hour, MinXYLen: 2})
	f.feedTicks(t0, t0.Add(3*time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(3*time.Minute + 10*time.Second) }
	f.inject(-1, 9, 0, 0)

	f.runtime.Process(context.Background())
	require.True(t, f.runtime.Trained())
	assert.False(t, f.bidAsk.HasMinHistory())
	assert.Nil(t, f.broker.CurTrade())
	assert.Zero(t, f.client.mainOrders)
	assert.Zero(t, f.persister.Buffered("y_pred"))
	assert.Zero(t, f.persister.Buffered("signal_ext"))
	assert.Equal(t, StatusWarmingUp, f.runtime.Status().LastStatus)

	// once the window spans the minimum the same model trades
	f.feedTicks(t0.Add(3*time.Minute), t0.Add(11*time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(11*time.Minute + 10*time.Second) }
	f.runtime.Process(context.Background())
	require.NotNil(t, f.broker.CurTrade())
	assert.Equal(t, 1, f.client.mainOrders)
}

func wave(i int) float64 { return 100 + float64(i%7) - float64(i%3) }

func TestRuntime_LearnBelowMinXYLenIsNoop(t *testing.T) {
	algo := NewBidAskMinMax(Params{PredictWindow: time.Minute})
	f := newFixture(t, algo, gate(true), Options{LearnInterval: time.Minute, MinXYLen: 1000})
	f.feedTicks(t0, t0.Add(20*time.Minute), wave)
	now := t0.Add(20 * time.Minute)
	d := f.runtime.applyBuf(context.Background(), now)

	require.True(t, f.runtime.CanLearn())
	require.NoError(t, f.runtime.Learn(context.Background(), d))
	assert.False(t, f.runtime.Trained())
	assert.Equal(t, StateIdle, f.runtime.State())
	_, err := os.Stat(filepath.Join(f.dir, "model"))
	assert.True(t, os.IsNotExist(err), "no model is saved")
}

func TestRuntime_LearnSavesAndRestoresModel(t *testing.T) {
	algo := NewBidAskMinMax(Params{PredictWindow: time.Minute, ProfitLossRatio: 4, StopLossAddRatio: 0.25})
	opts := Options{LearnInterval: time.Minute, LearnEpochs: 50, MinXYLen: 2}
	f := newFixture(t, algo, gate(true), opts)
	f.feedTicks(t0, t0.Add(20*time.Minute), wave)
	f.runtime.now = func() time.Time { return t0.Add(20 * time.Minute) }

	assert.False(t, f.runtime.CanLearn(), "nothing applied yet")
	f.runtime.Process(context.Background())
	require.True(t, f.runtime.Trained())
	entries, err := os.ReadDir(filepath.Join(f.dir, "model"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	restored, err := NewRuntime(algo, opts, Deps{
		Feeds:  Feeds{Shared: feed.NewShared()},
		Broker: f.broker,
		Risk:   gate(true),
		Models: f.models,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, restored.Start(context.Background()))
	assert.True(t, restored.Trained())
	assert.Equal(t, targetColumns, restored.yColumns)
	assert.Equal(t, t0.Add(20*time.Minute), restored.Status().LastLearn)
}

type panicky struct{ *BidAskMinMax }

func (panicky) PrepareLastX(*Data) (*table.Frame, error) { panic("boom") }

func TestRuntime_ProcessRecoversFromPanic(t *testing.T) {
	f := newFixture(t, panicky{NewBidAskMinMax(Params{})}, gate(true), Options{LearnInterval: time.Hour})
	f.feedTicks(t0, t0.Add(11*time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(11 * time.Minute) }
	f.inject(0, 0, 0, 0)

	assert.NotPanics(t, func() { f.runtime.Process(context.Background()) })
	assert.Equal(t, StateIdle, f.runtime.State())
}

func TestRuntime_ProcessSkipsWhenBusy(t *testing.T) {
	f := newFixture(t, NewBidAskMinMax(Params{}), gate(true), Options{})
	f.feedTicks(t0, t0.Add(time.Minute), flat)
	f.runtime.state.Store(int32(StateLearning))

	f.runtime.Process(context.Background())
	assert.Empty(t, f.bidAsk.Snapshot(), "nothing was applied")
	assert.Equal(t, StateLearning, f.runtime.State())

	_, fresh := f.bidAsk.ApplyBuf(t0.Add(time.Minute))
	assert.Len(t, fresh, 2)
}

func TestRuntime_IsAlive(t *testing.T) {
	f := newFixture(t, NewBidAskMinMax(Params{}), gate(true), Options{MaxStaleness: 5 * time.Minute})
	f.feedTicks(t0, t0.Add(time.Minute), flat)
	f.runtime.now = func() time.Time { return t0.Add(time.Minute) }
	f.runtime.Process(context.Background())

	assert.True(t, f.runtime.IsAlive(t0.Add(5*time.Minute)))
	assert.False(t, f.runtime.IsAlive(t0.Add(10*time.Minute)))
}
