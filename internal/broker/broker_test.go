package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pytrade/trade-core/internal/database"
	"github.com/pytrade/trade-core/internal/exchange"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MockOrderClient is a mock implementation of exchange.OrderClient.
type MockOrderClient struct {
	mock.Mock
}

func (m *MockOrderClient) CreateMainOrder(ctx context.Context, symbol, side string, quantity, price float64) exchange.OrderResult {
	return m.Called(symbol, side, quantity, price).Get(0).(exchange.OrderResult)
}

func (m *MockOrderClient) CreateStopLossTakeProfit(ctx context.Context, symbol, side string, quantity, stopLoss, takeProfit float64) exchange.OrderResult {
	return m.Called(symbol, side, quantity, stopLoss, takeProfit).Get(0).(exchange.OrderResult)
}

func (m *MockOrderClient) CreateStopLoss(ctx context.Context, symbol, side string, quantity, trigger, limit float64) exchange.OrderResult {
	return m.Called(symbol, side, quantity, trigger, limit).Get(0).(exchange.OrderResult)
}

func (m *MockOrderClient) CreateClosingOrder(ctx context.Context, symbol, side string, quantity float64) exchange.OrderResult {
	return m.Called(symbol, side, quantity).Get(0).(exchange.OrderResult)
}

func (m *MockOrderClient) GetOrder(ctx context.Context, symbol, orderID string) exchange.OrderResult {
	return m.Called(symbol, orderID).Get(0).(exchange.OrderResult)
}

func (m *MockOrderClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return m.Called(symbol, orderID).Error(0)
}

func (m *MockOrderClient) Balance(ctx context.Context) (map[string]float64, error) {
	args := m.Called()
	return args.Get(0).(map[string]float64), args.Error(1)
}

func (m *MockOrderClient) SupportsTakeProfit() bool {
	return m.Called().Bool(0)
}

type recorder struct {
	tag  string
	rows [][]string
}

func (r *recorder) Append(tag string, header []string, rows ...[]string) {
	r.tag = tag
	r.rows = append(r.rows, rows...)
}

const ticker = "BTC-USDT"

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Ticker:           ticker,
		AllowTrade:       true,
		MinTradeInterval: 10 * time.Second,
		PricePrecision:   2,
		AmountPrecision:  3,
		StopLossSlippage: 0.001,
	}
}

func setupTest(t *testing.T, opts Options) (*Broker, *MockOrderClient, *gorm.DB) {
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	client := new(MockOrderClient)
	b := New(opts, client, db, nil, zap.NewNop(), nil)
	b.now = func() time.Time { return start }
	return b, client, db
}

func ptr(v float64) *float64 { return &v }

func filled(id string, price float64) exchange.OrderResult {
	return exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: id, FilledPrice: price, FilledQuantity: 0.001, FilledTime: start}
}

func TestAdjustedStopLossTakeProfit(t *testing.T) {
	sl, tp := AdjustedStopLossTakeProfit(1, 11, 8.5, ptr(19), 11, 2)
	assert.Equal(t, 8.5, sl)
	assert.Equal(t, 19.0, *tp)

	// fill slipped up by 0.5: both move with it
	sl, tp = AdjustedStopLossTakeProfit(1, 11, 8.5, ptr(19), 11.5, 2)
	assert.Equal(t, 9.0, sl)
	assert.Equal(t, 19.5, *tp)

	sl, tp = AdjustedStopLossTakeProfit(-1, 10, 12.5, ptr(2), 9.9, 2)
	assert.Equal(t, 12.4, sl)
	assert.Equal(t, 1.9, *tp)

	sl, tp = AdjustedStopLossTakeProfit(-1, 10, 12.504, nil, 10, 2)
	assert.Equal(t, 12.5, sl)
	assert.Nil(t, tp)
}

func TestCompositeStopLossID(t *testing.T) {
	assert.Equal(t, "1,2", CompositeStopLossID(1, "1", "2"))
	assert.Equal(t, "2,1", CompositeStopLossID(-1, "1", "2"))
	assert.Equal(t, "1", CompositeStopLossID(-1, "1", ""))
}

func TestCreateCurTrade_OpensAndProtects(t *testing.T) {
	b, client, db := setupTest(t, testOptions())
	client.On("SupportsTakeProfit").Return(true)
	client.On("CreateMainOrder", ticker, "buy", 0.001, 11.0).Return(filled("100", 11.0))
	client.On("CreateStopLossTakeProfit", ticker, "sell", 0.001, 8.5, 19.0).
		Return(exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "sl1", TakeProfitOrderID: "tp1"})

	trade, err := b.CreateCurTrade(context.Background(), TradeRequest{
		Direction: 1, Quantity: 0.001, Price: 11, StopLoss: 8.5, TakeProfit: ptr(19), TrailingDelta: ptr(2.5),
	})
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, models.StatusOpened, trade.Status)
	assert.Equal(t, "buy", trade.Side)
	assert.Equal(t, "sl1,tp1", trade.StopLossOrderID)
	assert.Equal(t, 2.5, *trade.TrailingDelta)

	var stored models.Trade
	require.NoError(t, db.First(&stored, trade.ID).Error)
	assert.Equal(t, models.StatusOpened, stored.Status)
	assert.Equal(t, "100", stored.OpenOrderID)
	client.AssertExpectations(t)

	_, err = b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 0.001, Price: 11, StopLoss: 8.5})
	assert.ErrorIs(t, err, ErrTradeExists)
}

func TestCreateCurTrade_SellUsesLoneStopLossWithoutTakeProfit(t *testing.T) {
	b, client, _ := setupTest(t, testOptions())
	client.On("CreateMainOrder", ticker, "sell", 0.001, 10.0).Return(filled("7", 10.0))
	client.On("CreateStopLoss", ticker, "buy", 0.001, 12.5, 12.51).
		Return(exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "sl7"})

	trade, err := b.CreateCurTrade(context.Background(), TradeRequest{Direction: -1, Quantity: 0.001, Price: 10, StopLoss: 12.5})
	require.NoError(t, err)
	assert.Equal(t, "sl7", trade.StopLossOrderID)
	assert.Nil(t, trade.TakeProfitPrice)
	client.AssertExpectations(t)
	client.AssertNotCalled(t, "SupportsTakeProfit")
}

func TestCreateCurTrade_Rejections(t *testing.T) {
	opts := testOptions()
	opts.AllowTrade = false
	b, client, db := setupTest(t, opts)
	_, err := b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 1, Price: 10, StopLoss: 9})
	assert.ErrorIs(t, err, ErrTradingDisabled)
	assert.ErrorIs(t, b.CloseCurTrade(context.Background()), ErrTradingDisabled)
	assert.True(t, b.lastTradeTime.IsZero(), "no state is touched")
	var count int64
	db.Model(&models.Trade{}).Count(&count)
	assert.Zero(t, count)

	b, client, _ = setupTest(t, testOptions())
	_, err = b.CreateCurTrade(context.Background(), TradeRequest{Direction: 0, Quantity: 1, Price: 10, StopLoss: 9})
	assert.ErrorIs(t, err, ErrBadDirection)

	client.On("CreateMainOrder", ticker, "buy", 1.0, 10.0).
		Return(exchange.OrderResult{Outcome: exchange.OutcomeNotFilled})
	trade, err := b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 1, Price: 10, StopLoss: 9})
	assert.Nil(t, trade)
	assert.ErrorIs(t, err, ErrNotFilled)
	assert.False(t, b.HasCurTrade())

	b.now = func() time.Time { return start.Add(10 * time.Second) }
	_, err = b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 1, Price: 10, StopLoss: 9})
	assert.ErrorIs(t, err, ErrTooFrequent)
	client.AssertNumberOfCalls(t, "CreateMainOrder", 1)
}

func TestCreateCurTrade_ClosesWhenProtectionFails(t *testing.T) {
	b, client, db := setupTest(t, testOptions())
	client.On("SupportsTakeProfit").Return(true)
	client.On("CreateMainOrder", ticker, "buy", 0.001, 11.0).Return(filled("100", 11.0))
	client.On("CreateStopLossTakeProfit", ticker, "sell", 0.001, 8.5, 19.0).
		Return(exchange.Failed(errors.New("rejected")))
	client.On("CreateClosingOrder", ticker, "sell", 0.001).Return(filled("101", 10.9))

	trade, err := b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 0.001, Price: 11, StopLoss: 8.5, TakeProfit: ptr(19)})
	assert.Nil(t, trade)
	assert.Error(t, err)
	assert.False(t, b.HasCurTrade())

	prev := b.PrevTrade()
	require.NotNil(t, prev)
	assert.Equal(t, models.StatusClosed, prev.Status)
	assert.Equal(t, "101", *prev.CloseOrderID)

	var stored models.Trade
	require.NoError(t, db.First(&stored, prev.ID).Error)
	assert.Equal(t, models.StatusClosed, stored.Status)
	assert.NotNil(t, stored.CloseTime)
	client.AssertExpectations(t)
}

func TestStart_FixesTradeClosedByStopLoss(t *testing.T) {
	b, client, db := setupTest(t, testOptions())
	persisted := models.Trade{
		Ticker: ticker, Side: "buy", Quantity: 0.001, OpenTime: start.Add(-time.Hour), OpenPrice: 100,
		StopLossPrice: 99, StopLossOrderID: "42", Status: models.StatusOpened,
	}
	require.NoError(t, db.Create(&persisted).Error)
	client.On("GetOrder", ticker, "42").Return(filled("42", 99))

	require.NoError(t, b.Start(context.Background()))

	assert.Nil(t, b.CurTrade())
	prev := b.PrevTrade()
	require.NotNil(t, prev)
	assert.Equal(t, models.StatusClosed, prev.Status)
	assert.Equal(t, 99.0, *prev.ClosePrice)
	assert.Equal(t, "42", *prev.CloseOrderID)
	assert.Equal(t, start, *prev.CloseTime)

	var stored models.Trade
	require.NoError(t, db.First(&stored, persisted.ID).Error)
	assert.Equal(t, models.StatusClosed, stored.Status)
	client.AssertExpectations(t)
}

func TestStart_ForceClosesStuckTrade(t *testing.T) {
	b, client, db := setupTest(t, testOptions())
	require.NoError(t, db.Create(&models.Trade{
		Ticker: ticker, Side: "sell", Quantity: 0.5, OpenTime: start, OpenPrice: 100, Status: models.StatusOpening,
	}).Error)
	client.On("CreateClosingOrder", ticker, "buy", 0.5).Return(filled("9", 101))

	require.NoError(t, b.Start(context.Background()))
	assert.False(t, b.HasCurTrade())
	assert.Equal(t, -0.5, b.PrevTrade().Profit())
}

func TestStart_TradingDisabledOnlyRestores(t *testing.T) {
	opts := testOptions()
	opts.AllowTrade = false
	b, client, db := setupTest(t, opts)
	require.NoError(t, db.Create(&models.Trade{
		Ticker: ticker, Side: "buy", OpenTime: start, StopLossOrderID: "42", Status: models.StatusOpened,
	}).Error)

	require.NoError(t, b.Start(context.Background()))
	assert.True(t, b.HasCurTrade())
	client.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
}

func TestStart_WithoutDatabase(t *testing.T) {
	client := new(MockOrderClient)
	b := New(testOptions(), client, nil, nil, zap.NewNop(), nil)

	require.NoError(t, b.Start(context.Background()))
	assert.False(t, b.HasCurTrade())
	assert.Nil(t, b.PrevTrade())
	client.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
}

func openTrade(t *testing.T, b *Broker, client *MockOrderClient) {
	client.On("SupportsTakeProfit").Return(true)
	client.On("CreateMainOrder", ticker, "buy", 0.001, 11.0).Return(filled("100", 11.0))
	client.On("CreateStopLossTakeProfit", ticker, "sell", 0.001, 8.5, 19.0).
		Return(exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "sl1", TakeProfitOrderID: "tp1"})
	_, err := b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 0.001, Price: 11, StopLoss: 8.5, TakeProfit: ptr(19)})
	require.NoError(t, err)
}

func TestHandleOrderUpdate_StopLossFillClosesOnce(t *testing.T) {
	b, client, _ := setupTest(t, testOptions())
	openTrade(t, b, client)
	client.On("CancelOrder", ticker, "tp1").Return(nil)

	ctx := context.Background()
	// main order fill refines the open fields
	b.HandleOrderUpdate(ctx, market.OrderUpdate{Symbol: ticker, OrderID: "100", Status: market.OrderFilled, FillPrice: 11.02, Timestamp: start.Add(time.Second)})
	assert.Equal(t, 11.02, b.CurTrade().OpenPrice)

	// unrelated or non-fill events are ignored
	b.HandleOrderUpdate(ctx, market.OrderUpdate{Symbol: ticker, OrderID: "sl1", Status: market.OrderCanceled})
	b.HandleOrderUpdate(ctx, market.OrderUpdate{Symbol: ticker, OrderID: "999", Status: market.OrderFilled})
	require.True(t, b.HasCurTrade())

	fill := market.OrderUpdate{Symbol: ticker, OrderID: "sl1", Status: market.OrderFilled, FillPrice: 8.5, Timestamp: start.Add(time.Minute)}
	b.HandleOrderUpdate(ctx, fill)
	assert.False(t, b.HasCurTrade())
	first := b.PrevTrade()
	assert.Equal(t, 8.5, *first.ClosePrice)

	// a second close path arriving late is a no-op
	b.HandleOrderUpdate(ctx, fill)
	assert.ErrorIs(t, b.CloseCurTrade(ctx), ErrNoTrade)
	assert.Equal(t, first, b.PrevTrade())
	client.AssertNotCalled(t, "CreateClosingOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestCloseCurTrade(t *testing.T) {
	b, client, _ := setupTest(t, testOptions())
	openTrade(t, b, client)
	client.On("GetOrder", ticker, mock.Anything).Return(exchange.OrderResult{Outcome: exchange.OutcomeNotFilled})
	client.On("CancelOrder", ticker, mock.Anything).Return(nil)
	client.On("CreateClosingOrder", ticker, "sell", 0.001).Return(filled("200", 12))

	require.NoError(t, b.CloseCurTrade(context.Background()))
	prev := b.PrevTrade()
	assert.Equal(t, models.StatusClosed, prev.Status)
	assert.InDelta(t, 0.001, prev.Profit(), 1e-12)
	client.AssertNumberOfCalls(t, "CancelOrder", 2)
}

func TestCheckTakeProfit_Synthetic(t *testing.T) {
	opts := testOptions()
	opts.SyntheticTakeProfit = true
	b, client, _ := setupTest(t, opts)
	client.On("SupportsTakeProfit").Return(true)
	client.On("CreateMainOrder", ticker, "buy", 0.001, 11.0).Return(filled("100", 11.0))
	client.On("CreateStopLoss", ticker, "sell", 0.001, 8.5, 8.49).
		Return(exchange.OrderResult{Outcome: exchange.OutcomeOK, OrderID: "sl1"})
	trade, err := b.CreateCurTrade(context.Background(), TradeRequest{Direction: 1, Quantity: 0.001, Price: 11, StopLoss: 8.5, TakeProfit: ptr(19)})
	require.NoError(t, err)
	assert.Equal(t, 19.0, *trade.TakeProfitPrice)

	ctx := context.Background()
	b.OnTick(market.Tick{Bid: 18, Ask: 18.5})
	b.CheckTakeProfit(ctx)
	assert.True(t, b.HasCurTrade())

	client.On("GetOrder", ticker, "sl1").Return(exchange.OrderResult{Outcome: exchange.OutcomeNotFilled})
	client.On("CancelOrder", ticker, "sl1").Return(nil)
	client.On("CreateClosingOrder", ticker, "sell", 0.001).Return(filled("300", 19.1))
	b.OnTick(market.Tick{Bid: 19.1, Ask: 19.2})
	b.CheckTakeProfit(ctx)
	assert.False(t, b.HasCurTrade())
	assert.Equal(t, 19.1, *b.PrevTrade().ClosePrice)
}

func TestReport_RecordsBalances(t *testing.T) {
	b, client, _ := setupTest(t, testOptions())
	rec := &recorder{}
	b.balances = rec
	client.On("Balance").Return(map[string]float64{"USDT": 100, "BTC": 0.5}, nil)

	b.Report(context.Background())
	assert.Equal(t, "balance", rec.tag)
	assert.Equal(t, [][]string{
		{"2024-03-01T12:00:00Z", "BTC", "0.50000000"},
		{"2024-03-01T12:00:00Z", "USDT", "100.00000000"},
	}, rec.rows)
}
