package feed

import (
	"sort"
	"time"

	"github.com/pytrade/trade-core/internal/market"
)

// Window is a time-ordered slice of records with a maximum age.
// It is not safe for concurrent use; the owning feed guards it with Shared.
type Window[T market.Record] struct {
	rows []T
}

// Merge appends buffered records, restoring order if needed.
// Records with equal timestamps keep their arrival order.
func (w *Window[T]) Merge(buf []T) {
	if len(buf) == 0 {
		return
	}
	sorted := len(w.rows) == 0 || !buf[0].Time().Before(w.rows[len(w.rows)-1].Time())
	for i := 1; sorted && i < len(buf); i++ {
		sorted = !buf[i].Time().Before(buf[i-1].Time())
	}
	w.rows = append(w.rows, buf...)
	if !sorted {
		sort.SliceStable(w.rows, func(i, j int) bool { return w.rows[i].Time().Before(w.rows[j].Time()) })
	}
}

// PurgeBefore drops rows older than t.
func (w *Window[T]) PurgeBefore(t time.Time) {
	i := sort.Search(len(w.rows), func(i int) bool { return !w.rows[i].Time().Before(t) })
	if i > 0 {
		w.rows = append([]T(nil), w.rows[i:]...)
	}
}

// Len is the row count.
func (w *Window[T]) Len() int { return len(w.rows) }

// Span is the distance between the first and the last index.
func (w *Window[T]) Span() time.Duration {
	if len(w.rows) == 0 {
		return 0
	}
	return w.rows[len(w.rows)-1].Time().Sub(w.rows[0].Time())
}

// Last is the newest index or zero time.
func (w *Window[T]) Last() time.Time {
	if len(w.rows) == 0 {
		return time.Time{}
	}
	return w.rows[len(w.rows)-1].Time()
}

// Snapshot copies the rows.
func (w *Window[T]) Snapshot() []T {
	return append([]T(nil), w.rows...)
}

func isAlive(last, now time.Time, maxStaleness time.Duration) bool {
	return last.IsZero() || now.Sub(last) <= maxStaleness
}
