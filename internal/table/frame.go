// Package table is a small time-indexed numeric frame: rows of float columns
// with a strictly increasing timestamp index.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"
)

// Row is one timestamped row of values, aligned with Frame.Columns.
type Row struct {
	Time   time.Time
	Values []float64
}

// Frame is an ordered table. Rows are ascending by Time with no duplicates.
type Frame struct {
	Columns []string
	Rows    []Row
}

// New returns an empty frame with the given columns.
func New(columns ...string) *Frame {
	return &Frame{Columns: columns}
}

// Len is the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Empty reports whether the frame has no rows.
func (f *Frame) Empty() bool { return f.Len() == 0 }

// Col returns the index of a column or -1.
func (f *Frame) Col(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Value returns row i, column name. NaN when the column is unknown.
func (f *Frame) Value(i int, name string) float64 {
	c := f.Col(name)
	if c < 0 {
		return math.NaN()
	}
	return f.Rows[i].Values[c]
}

// First and Last return the index bounds. Zero time when empty.
func (f *Frame) First() time.Time {
	if f.Empty() {
		return time.Time{}
	}
	return f.Rows[0].Time
}

func (f *Frame) Last() time.Time {
	if f.Empty() {
		return time.Time{}
	}
	return f.Rows[len(f.Rows)-1].Time
}

// Span is Last - First.
func (f *Frame) Span() time.Duration {
	if f.Empty() {
		return 0
	}
	return f.Last().Sub(f.First())
}

// AppendAfter appends rows whose time is after the current last index, keeping
// the index strictly increasing. It returns how many rows were appended.
func (f *Frame) AppendAfter(rows ...Row) int {
	n := 0
	for _, r := range rows {
		if !f.Empty() && !r.Time.After(f.Last()) {
			continue
		}
		f.Rows = append(f.Rows, r)
		n++
	}
	return n
}

// PurgeBefore drops rows older than t.
func (f *Frame) PurgeBefore(t time.Time) {
	i := sort.Search(len(f.Rows), func(i int) bool { return !f.Rows[i].Time.Before(t) })
	if i > 0 {
		f.Rows = append([]Row(nil), f.Rows[i:]...)
	}
}

// AsOf returns the index of the last row at or before t, or -1.
func (f *Frame) AsOf(t time.Time) int {
	return sort.Search(len(f.Rows), func(i int) bool { return f.Rows[i].Time.After(t) }) - 1
}

// Copy returns a deep copy.
func (f *Frame) Copy() *Frame {
	out := &Frame{Columns: append([]string(nil), f.Columns...), Rows: make([]Row, len(f.Rows))}
	for i, r := range f.Rows {
		out.Rows[i] = Row{Time: r.Time, Values: append([]float64(nil), r.Values...)}
	}
	return out
}

// Sort orders rows by time and keeps the last row of equal timestamps.
func (f *Frame) Sort() {
	sort.SliceStable(f.Rows, func(i, j int) bool { return f.Rows[i].Time.Before(f.Rows[j].Time) })
	out := f.Rows[:0]
	for _, r := range f.Rows {
		if len(out) > 0 && out[len(out)-1].Time.Equal(r.Time) {
			out[len(out)-1] = r
			continue
		}
		out = append(out, r)
	}
	f.Rows = out
}

// WriteCSV writes a "datetime,<columns>" header and the rows.
func (f *Frame) WriteCSV(w io.Writer, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(append([]string{"datetime"}, f.Columns...)); err != nil {
			return err
		}
	}
	rec := make([]string, len(f.Columns)+1)
	for _, r := range f.Rows {
		rec[0] = r.Time.UTC().Format(time.RFC3339Nano)
		for i, v := range r.Values {
			rec[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a frame written by WriteCSV.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) == 0 || header[0] != "datetime" {
		return nil, fmt.Errorf("csv header must start with datetime, got %v", header)
	}
	f := New(header[1:]...)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values := make([]float64, len(f.Columns))
		for i := range values {
			if values[i], err = strconv.ParseFloat(rec[i+1], 64); err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, f.Columns[i], err)
			}
		}
		f.Rows = append(f.Rows, Row{Time: t, Values: values})
	}
	f.Sort()
	return f, nil
}
