package trader

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/history"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/table"
)

const BidAskMinMaxName = "BidAskMinMaxStrategy"

var (
	featureColumns = []string{"bid_diff", "ask_diff", "spread", "vol_imbalance", "candle_ret"}
	targetColumns  = []string{"bid_min_fut", "bid_max_fut", "ask_min_fut", "ask_max_fut"}
)

var errNotEnoughData = errors.New("not enough data")

// Params is the signal policy of BidAskMinMaxStrategy.
type Params struct {
	PredictWindow      time.Duration
	LearningRate       float64
	ProfitLossRatio    float64
	StopLossMinCoeff   float64
	StopLossMaxCoeff   float64
	StopLossAddRatio   float64
	ProfitMinCoeff     float64
	ProfitMaxCoeff     float64
	TakeProfitMinCoeff float64
	TakeProfitMaxCoeff float64
}

// ParamsFromConfig reads the strategy section of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	t := cfg.Trading
	return Params{
		PredictWindow:      t.PredictWindow,
		LearningRate:       t.LearningRate,
		ProfitLossRatio:    t.ProfitLossRatio,
		StopLossMinCoeff:   t.StopLossMinCoeff,
		StopLossMaxCoeff:   t.StopLossMaxCoeff,
		StopLossAddRatio:   t.StopLossAddRatio,
		ProfitMinCoeff:     t.ProfitMinCoeff,
		ProfitMaxCoeff:     t.ProfitMaxCoeff,
		TakeProfitMinCoeff: t.TakeProfitMinCoeff,
		TakeProfitMaxCoeff: t.TakeProfitMaxCoeff,
	}
}

// Prediction is the expected extremes of bid and ask over the predict window.
type Prediction struct {
	BidMinFut float64
	BidMaxFut float64
	AskMinFut float64
	AskMaxFut float64
}

// BidAskMinMax predicts the future min and max of bid and ask and trades
// when the expected profit outweighs the expected loss.
type BidAskMinMax struct {
	params Params
}

// NewBidAskMinMax creates the strategy.
func NewBidAskMinMax(p Params) *BidAskMinMax {
	return &BidAskMinMax{params: p}
}

func (s *BidAskMinMax) Name() string { return BidAskMinMaxName }

func (s *BidAskMinMax) Kinds() []market.Kind {
	return []market.Kind{market.KindBidAsk, market.KindCandles}
}

func (s *BidAskMinMax) CreateModel() Model { return NewLinearRegressor(s.params.LearningRate) }

func (s *BidAskMinMax) CreatePipes() (Pipe, Pipe) { return &StandardScaler{}, &StandardScaler{} }

func (s *BidAskMinMax) horizon() time.Duration {
	if s.params.PredictWindow < history.Interval {
		return history.Interval
	}
	return s.params.PredictWindow
}

// features computes the feature row of every minute but the first.
func (s *BidAskMinMax) features(d *Data) (*table.Frame, error) {
	m := d.Minutes[market.KindBidAsk]
	if m == nil || m.Len() < 2 {
		return nil, errNotEnoughData
	}
	bid, ask := m.Col("bid"), m.Col("ask")
	bidVol, askVol := m.Col("bid_vol"), m.Col("ask_vol")
	candles := d.Candles[time.Minute]

	x := table.New(featureColumns...)
	for i := 1; i < m.Len(); i++ {
		cur, prev := m.Rows[i].Values, m.Rows[i-1].Values
		imb := 0.0
		if v := cur[bidVol] + cur[askVol]; v > 0 {
			imb = (cur[bidVol] - cur[askVol]) / v
		}
		x.Rows = append(x.Rows, table.Row{Time: m.Rows[i].Time, Values: []float64{
			cur[bid] - prev[bid],
			cur[ask] - prev[ask],
			cur[ask] - cur[bid],
			imb,
			candleReturn(candles, m.Rows[i].Time),
		}})
	}
	return x, nil
}

// candleReturn is close/open-1 of the last candle closed at or before t.
func candleReturn(candles []market.Candle, t time.Time) float64 {
	i := sort.Search(len(candles), func(i int) bool { return candles[i].CloseTime.After(t) })
	if i == 0 {
		return 0
	}
	c := candles[i-1]
	if c.Open == 0 {
		return 0
	}
	return c.Close/c.Open - 1
}

func (s *BidAskMinMax) PrepareXY(d *Data) (*table.Frame, *table.Frame, error) {
	feats, err := s.features(d)
	if err != nil {
		return nil, nil, err
	}
	m := d.Minutes[market.KindBidAsk]
	bid, ask := m.Col("bid"), m.Col("ask")
	h := s.horizon()
	last := m.Last()

	x := table.New(featureColumns...)
	y := table.New(targetColumns...)
	// feats row k is minute row k+1
	for k, row := range feats.Rows {
		i := k + 1
		t := m.Rows[i].Time
		if t.Add(h).After(last) {
			break
		}
		cur := m.Rows[i].Values
		bidMin, bidMax := math.Inf(1), math.Inf(-1)
		askMin, askMax := math.Inf(1), math.Inf(-1)
		for j := i + 1; j < m.Len() && !m.Rows[j].Time.After(t.Add(h)); j++ {
			v := m.Rows[j].Values
			bidMin, bidMax = math.Min(bidMin, v[bid]), math.Max(bidMax, v[bid])
			askMin, askMax = math.Min(askMin, v[ask]), math.Max(askMax, v[ask])
		}
		if math.IsInf(bidMin, 0) || math.IsNaN(bidMin+bidMax+askMin+askMax) {
			continue
		}
		x.Rows = append(x.Rows, row)
		y.Rows = append(y.Rows, table.Row{Time: t, Values: []float64{
			bidMin - cur[bid], bidMax - cur[bid], askMin - cur[ask], askMax - cur[ask],
		}})
	}
	return x, y, nil
}

func (s *BidAskMinMax) PrepareLastX(d *Data) (*table.Frame, error) {
	feats, err := s.features(d)
	if err != nil {
		return nil, err
	}
	last := feats.Rows[len(feats.Rows)-1]
	return &table.Frame{Columns: feats.Columns, Rows: []table.Row{last}}, nil
}

// ProcessPrediction adds the predicted deltas to the last bid and ask.
func (s *BidAskMinMax) ProcessPrediction(d *Data, y *table.Frame) (Signal, error) {
	tick, ok := d.LastTick()
	if !ok || y == nil || y.Empty() {
		return Signal{}, errNotEnoughData
	}
	row := len(y.Rows) - 1
	p := Prediction{
		BidMinFut: tick.Bid + y.Value(row, "bid_min_fut"),
		BidMaxFut: tick.Bid + y.Value(row, "bid_max_fut"),
		AskMinFut: tick.Ask + y.Value(row, "ask_min_fut"),
		AskMaxFut: tick.Ask + y.Value(row, "ask_max_fut"),
	}
	return CalcSignal(s.params, tick.Bid, tick.Ask, p), nil
}

// CalcSignal buys at ask when bid_max_fut-ask outweighs ask-bid_min_fut by
// the profit/loss ratio, and sells at bid when bid-ask_min_fut outweighs
// ask_max_fut-bid. A zero loss counts as an infinite ratio.
func CalcSignal(p Params, bid, ask float64, pr Prediction) Signal {
	buyProfit, buyLoss := pr.BidMaxFut-ask, ask-pr.BidMinFut
	sellProfit, sellLoss := bid-pr.AskMinFut, pr.AskMaxFut-bid

	buy := p.accept(buyProfit, buyLoss, ask)
	sell := p.accept(sellProfit, sellLoss, bid)
	if buy && sell {
		buy = buyProfit >= sellProfit
		sell = !buy
	}
	switch {
	case buy:
		return p.signal(1, ask, pr.BidMinFut, pr.BidMaxFut)
	case sell:
		return p.signal(-1, bid, pr.AskMaxFut, pr.AskMinFut)
	}
	return Signal{}
}

func (p Params) accept(profit, loss, price float64) bool {
	if !(profit > 0) {
		return false
	}
	ratio := math.Inf(1)
	if loss > 0 {
		ratio = profit / loss
	}
	if ratio < p.ProfitLossRatio {
		return false
	}
	if profit < math.Max(p.ProfitMinCoeff, p.TakeProfitMinCoeff)*price {
		return false
	}
	if p.ProfitMaxCoeff > 0 && profit > p.ProfitMaxCoeff*price {
		return false
	}
	return true
}

// signal places the stop-loss beyond the loss-side extreme by the add ratio
// and the take-profit at the profit-side extreme, both clamped by their coefficients.
func (p Params) signal(dir int, price, lossExtreme, profitExtreme float64) Signal {
	d := float64(dir)
	sl := lossExtreme - d*p.StopLossAddRatio*math.Abs(price-lossExtreme)
	slDist := d * (price - sl)
	if slDist < p.StopLossMinCoeff*price {
		slDist = p.StopLossMinCoeff * price
	}
	if p.StopLossMaxCoeff > 0 && slDist > p.StopLossMaxCoeff*price {
		slDist = p.StopLossMaxCoeff * price
	}
	if slDist <= 0 {
		return Signal{}
	}
	tpDist := d * (profitExtreme - price)
	if p.TakeProfitMaxCoeff > 0 && tpDist > p.TakeProfitMaxCoeff*price {
		tpDist = p.TakeProfitMaxCoeff * price
	}
	tp := price + d*tpDist
	trailing := slDist
	return Signal{
		Direction:     dir,
		Price:         price,
		StopLoss:      price - d*slDist,
		TakeProfit:    &tp,
		TrailingDelta: &trailing,
	}
}
