package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/table"
)

// Interval is the resolution of preprocessed data.
const Interval = time.Minute

var (
	TickColumns   = []string{"bid", "bid_vol", "ask", "ask_vol"}
	Level2Columns = []string{"bid", "ask", "bid_vol", "ask_vol", "bid_levels", "ask_levels", "imbalance"}
	CandleColumns = []string{"open", "high", "low", "close", "vol"}
)

// TicksFrame converts ticks into a raw frame. Rows keep arrival order, so
// equal timestamps stay as separate rows.
func TicksFrame(ticks []market.Tick) *table.Frame {
	f := table.New(TickColumns...)
	for _, t := range ticks {
		f.Rows = append(f.Rows, table.Row{Time: t.Timestamp, Values: []float64{t.Bid, t.BidVol, t.Ask, t.AskVol}})
	}
	return f
}

// Level2Frame aggregates level2 updates per timestamp: best prices, total
// volumes, level counts and the volume imbalance of each snapshot.
func Level2Frame(updates []market.Level2Update) *table.Frame {
	f := table.New(Level2Columns...)
	flush := func(ts time.Time, snap []market.Level2Update) {
		if len(snap) == 0 {
			return
		}
		bid, ask := math.NaN(), math.NaN()
		var bidVol, askVol, bidN, askN float64
		for _, u := range snap {
			switch u.Side {
			case market.BookBid:
				if math.IsNaN(bid) || u.Price > bid {
					bid = u.Price
				}
				bidVol += u.Volume
				bidN++
			case market.BookAsk:
				if math.IsNaN(ask) || u.Price < ask {
					ask = u.Price
				}
				askVol += u.Volume
				askN++
			}
		}
		f.Rows = append(f.Rows, table.Row{Time: ts, Values: []float64{bid, ask, bidVol, askVol, bidN, askN, imbalance(bidVol, askVol)}})
	}
	start := 0
	for i := 1; i <= len(updates); i++ {
		if i == len(updates) || !updates[i].Timestamp.Equal(updates[start].Timestamp) {
			flush(updates[start].Timestamp, updates[start:i])
			start = i
		}
	}
	return f
}

func imbalance(bidVol, askVol float64) float64 {
	if bidVol+askVol == 0 {
		return 0
	}
	return (bidVol - askVol) / (bidVol + askVol)
}

// CandlesFrame converts one-minute candles, indexed by close time. Other
// intervals are skipped.
func CandlesFrame(candles []market.Candle) *table.Frame {
	f := table.New(CandleColumns...)
	for _, c := range candles {
		if p, err := market.ParsePeriod(c.Interval); err != nil || p != Interval {
			continue
		}
		f.Rows = append(f.Rows, table.Row{Time: c.CloseTime, Values: []float64{c.Open, c.High, c.Low, c.Close, c.Volume}})
	}
	return f
}

// Preprocess resamples a raw frame of kind to one row per minute. Applying it
// to its own output returns the same rows.
func Preprocess(kind market.Kind, raw *table.Frame) *table.Frame {
	if !sort.SliceIsSorted(raw.Rows, func(i, j int) bool { return raw.Rows[i].Time.Before(raw.Rows[j].Time) }) {
		rows := append([]table.Row(nil), raw.Rows...)
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
		raw = &table.Frame{Columns: raw.Columns, Rows: rows}
	}
	switch kind {
	case market.KindCandles:
		// a bar streamed while in progress appears once per update; the last one wins
		raw = raw.Copy()
		raw.Sort()
		return raw.Resample(Interval, table.AggFirst, table.AggMax, table.AggMin, table.AggLast, table.AggSum)
	case market.KindLevel2:
		return raw.Resample(Interval, nanMean, nanMean, table.AggMean, table.AggMean, table.AggMean, table.AggMean, table.AggMean)
	default:
		return raw.Resample(Interval, table.AggMean, table.AggMean, table.AggMean, table.AggMean)
	}
}

// nanMean ignores the NaN best price of a snapshot that had one side only.
func nanMean(v []float64) float64 {
	sum, n := 0.0, 0
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Columns returns the preprocessed columns of kind.
func Columns(kind market.Kind) []string {
	switch kind {
	case market.KindCandles:
		return CandleColumns
	case market.KindLevel2:
		return Level2Columns
	}
	return TickColumns
}

// Header returns the raw archive CSV header of kind.
func Header(kind market.Kind) []string {
	switch kind {
	case market.KindCandles:
		return market.CandleHeader
	case market.KindLevel2:
		return market.Level2Header
	}
	return market.TickHeader
}

// ReadRaw parses a raw archive CSV of kind into a raw frame. Rows that fail
// to parse are counted and skipped.
func ReadRaw(kind market.Kind, r io.Reader) (*table.Frame, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return table.New(Columns(kind)...), 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	var (
		ticks   []market.Tick
		levels  []market.Level2Update
		candles []market.Candle
		skipped int
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, err
		}
		switch kind {
		case market.KindCandles:
			c, err := market.ParseCandle(row)
			if err != nil {
				skipped++
				continue
			}
			candles = append(candles, c)
		case market.KindLevel2:
			l, err := market.ParseLevel2(row)
			if err != nil {
				skipped++
				continue
			}
			levels = append(levels, l)
		default:
			t, err := market.ParseTick(row)
			if err != nil {
				skipped++
				continue
			}
			ticks = append(ticks, t)
		}
	}
	switch kind {
	case market.KindCandles:
		return CandlesFrame(candles), skipped, nil
	case market.KindLevel2:
		return Level2Frame(levels), skipped, nil
	}
	return TicksFrame(ticks), skipped, nil
}
