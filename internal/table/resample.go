package table

import (
	"math"
	"time"
)

// Agg reduces the values of one column inside a resample bucket.
type Agg func(values []float64) float64

func AggFirst(v []float64) float64 { return v[0] }
func AggLast(v []float64) float64  { return v[len(v)-1] }

func AggMax(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		m = math.Max(m, x)
	}
	return m
}

func AggMin(v []float64) float64 {
	m := math.Inf(1)
	for _, x := range v {
		m = math.Min(m, x)
	}
	return m
}

func AggSum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}

func AggMean(v []float64) float64 {
	return AggSum(v) / float64(len(v))
}

// BucketEnd labels t with the right edge of its closed-right bucket:
// (end - period, end]. A time exactly on a boundary belongs to the bucket it ends.
func BucketEnd(t time.Time, period time.Duration) time.Time {
	end := t.Truncate(period)
	if end.Before(t) {
		end = end.Add(period)
	}
	return end
}

// Resample groups rows into closed-right buckets of period, labelled by the
// bucket end, and aggregates each column with aggs[i] (AggLast when missing).
// Empty buckets produce no rows.
func (f *Frame) Resample(period time.Duration, aggs ...Agg) *Frame {
	out := New(f.Columns...)
	if f.Empty() {
		return out
	}
	cols := make([][]float64, len(f.Columns))
	var bucket time.Time
	flush := func() {
		if len(cols) == 0 || len(cols[0]) == 0 {
			return
		}
		values := make([]float64, len(cols))
		for i := range cols {
			agg := AggLast
			if i < len(aggs) && aggs[i] != nil {
				agg = aggs[i]
			}
			values[i] = agg(cols[i])
			cols[i] = cols[i][:0]
		}
		out.Rows = append(out.Rows, Row{Time: bucket, Values: values})
	}
	for _, r := range f.Rows {
		end := BucketEnd(r.Time, period)
		if !end.Equal(bucket) {
			flush()
			bucket = end
		}
		for i, v := range r.Values {
			cols[i] = append(cols[i], v)
		}
	}
	flush()
	return out
}
