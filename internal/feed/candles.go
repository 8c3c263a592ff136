package feed

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/table"
)

// ErrUnknownPeriod is returned for candle periods the feed was not configured with.
var ErrUnknownPeriod = errors.New("unknown candle period")

// CandlesFeed keeps one window per configured period. The smallest period is
// authoritative; longer periods are either streamed directly or resampled from it.
type CandlesFeed struct {
	shared  *Shared
	windows Windows
	periods []time.Duration // ascending
	counts  map[time.Duration]int
	// direct marks periods the exchange streams itself.
	direct map[time.Duration]bool

	buf  []market.Candle
	wins map[time.Duration]*Window[market.Candle]
}

// NewCandlesFeed parses periods such as "1min","5min"; counts, when given, are
// the minimum candle counts per period required before learning.
func NewCandlesFeed(shared *Shared, windows Windows, periods []string, counts []int) (*CandlesFeed, error) {
	if len(periods) == 0 {
		periods = []string{"1min"}
	}
	if len(counts) > 0 && len(counts) != len(periods) {
		return nil, fmt.Errorf("got %d candle counts for %d periods", len(counts), len(periods))
	}
	f := &CandlesFeed{
		shared:  shared,
		windows: windows,
		counts:  make(map[time.Duration]int),
		direct:  make(map[time.Duration]bool),
		wins:    make(map[time.Duration]*Window[market.Candle]),
	}
	for i, p := range periods {
		d, err := market.ParsePeriod(p)
		if err != nil {
			return nil, err
		}
		if _, dup := f.wins[d]; dup {
			continue
		}
		f.periods = append(f.periods, d)
		f.wins[d] = &Window[market.Candle]{}
		if len(counts) > 0 {
			f.counts[d] = counts[i]
		}
	}
	sort.Slice(f.periods, func(i, j int) bool { return f.periods[i] < f.periods[j] })
	return f, nil
}

func (f *CandlesFeed) Kind() market.Kind { return market.KindCandles }

// Periods returns the configured periods, ascending.
func (f *CandlesFeed) Periods() []time.Duration {
	return append([]time.Duration(nil), f.periods...)
}

// OnCandle appends to the back-buffer and signals new data.
func (f *CandlesFeed) OnCandle(c market.Candle) {
	f.shared.mu.Lock()
	f.buf = append(f.buf, c)
	f.shared.mu.Unlock()
	f.shared.Signal()
}

// ApplyBuf promotes buffered candles and returns the promoted ones.
func (f *CandlesFeed) ApplyBuf(now time.Time) []market.Candle {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()

	fresh := f.buf
	f.buf = nil
	base := f.periods[0]
	resample := false
	for _, c := range fresh {
		p, err := market.ParsePeriod(c.Interval)
		if err != nil {
			continue
		}
		w, ok := f.wins[p]
		if !ok {
			continue
		}
		if p != base {
			f.direct[p] = true
		} else {
			resample = true
		}
		upsert(w, c)
	}
	if resample {
		for _, p := range f.periods[1:] {
			if !f.direct[p] {
				f.wins[p].rows = resampleCandles(f.wins[base].rows, p)
			}
		}
	}
	for _, p := range f.periods {
		if keep := f.keep(p); keep > 0 {
			f.wins[p].PurgeBefore(now.Add(-keep))
		}
	}
	return fresh
}

func (f *CandlesFeed) Apply(now time.Time) int {
	return len(f.ApplyBuf(now))
}

// keep is how far back a period's window reaches: max window, or enough for
// its count. The base window also covers every period resampled from it.
// Zero means unbounded.
func (f *CandlesFeed) keep(p time.Duration) time.Duration {
	if f.windows.Max <= 0 {
		return 0
	}
	keep := f.windows.Max
	if byCount := time.Duration(f.counts[p]+1) * p; byCount > keep {
		keep = byCount
	}
	if p == f.periods[0] {
		for _, q := range f.periods[1:] {
			if k := f.keep(q); !f.direct[q] && k > keep {
				keep = k
			}
		}
	}
	return keep
}

// upsert overwrites the in-progress row when the close time matches, appends otherwise.
func upsert(w *Window[market.Candle], c market.Candle) {
	n := len(w.rows)
	if n > 0 && w.rows[n-1].CloseTime.Equal(c.CloseTime) {
		w.rows[n-1] = c
		return
	}
	if n > 0 && c.CloseTime.Before(w.rows[n-1].CloseTime) {
		i := sort.Search(n, func(i int) bool { return !w.rows[i].CloseTime.Before(c.CloseTime) })
		if w.rows[i].CloseTime.Equal(c.CloseTime) {
			w.rows[i] = c
			return
		}
	}
	w.Merge([]market.Candle{c})
}

// resampleCandles aggregates into closed-right buckets labelled by their end:
// open=first, high=max, low=min, close=last, vol=sum.
func resampleCandles(src []market.Candle, period time.Duration) []market.Candle {
	var out []market.Candle
	for _, c := range src {
		end := table.BucketEnd(c.CloseTime, period)
		if n := len(out); n > 0 && out[n-1].CloseTime.Equal(end) {
			agg := &out[n-1]
			agg.High = math.Max(agg.High, c.High)
			agg.Low = math.Min(agg.Low, c.Low)
			agg.Close = c.Close
			agg.Volume += c.Volume
			continue
		}
		out = append(out, market.Candle{
			Symbol:    c.Symbol,
			Interval:  market.PeriodName(period),
			OpenTime:  end.Add(-period),
			CloseTime: end,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return out
}

// Candles copies the window of one period.
func (f *CandlesFeed) Candles(period time.Duration) ([]market.Candle, error) {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	w, ok := f.wins[period]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeriod, period)
	}
	return w.Snapshot(), nil
}

// Snapshot copies every period's window.
func (f *CandlesFeed) Snapshot() map[time.Duration][]market.Candle {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	out := make(map[time.Duration][]market.Candle, len(f.wins))
	for p, w := range f.wins {
		out[p] = w.Snapshot()
	}
	return out
}

// HasMinHistory requires the base window to span the min window and every
// period to hold its configured count.
func (f *CandlesFeed) HasMinHistory() bool {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	base := f.wins[f.periods[0]]
	if base.Len() == 0 || base.Span() < f.windows.Min {
		return false
	}
	for p, n := range f.counts {
		if f.wins[p].Len() < n {
			return false
		}
	}
	return true
}

func (f *CandlesFeed) IsAlive(now time.Time, maxStaleness time.Duration) bool {
	return isAlive(f.LastTime(), now, maxStaleness)
}

// LastTime is the newest close time of the base period.
func (f *CandlesFeed) LastTime() time.Time {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	return f.wins[f.periods[0]].Last()
}

var _ Feed = (*CandlesFeed)(nil)
