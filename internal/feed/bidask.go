package feed

import (
	"time"

	"github.com/pytrade/trade-core/internal/market"
)

// stream is the buffer + window pair shared by the tick and level2 feeds.
type stream[T market.Record] struct {
	shared  *Shared
	windows Windows
	buf     []T
	window  Window[T]
}

func (s *stream[T]) push(records ...T) {
	if len(records) == 0 {
		return
	}
	s.shared.mu.Lock()
	s.buf = append(s.buf, records...)
	s.shared.mu.Unlock()
	s.shared.Signal()
}

// applyBuf promotes the buffer and returns the live window and the promoted records.
func (s *stream[T]) applyBuf(now time.Time) (window, fresh []T) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	fresh = s.buf
	s.buf = nil
	s.window.Merge(fresh)
	if s.windows.Max > 0 {
		s.window.PurgeBefore(now.Add(-s.windows.Max))
	}
	return s.window.Snapshot(), fresh
}

func (s *stream[T]) snapshot() []T {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.window.Snapshot()
}

func (s *stream[T]) hasMinHistory() bool {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.window.Len() > 0 && s.window.Span() >= s.windows.Min
}

func (s *stream[T]) lastTime() time.Time {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.window.Last()
}

// BidAskFeed buffers top-of-book ticks.
type BidAskFeed struct {
	stream[market.Tick]
}

// NewBidAskFeed creates a tick feed bound to the shared lock.
func NewBidAskFeed(shared *Shared, windows Windows) *BidAskFeed {
	return &BidAskFeed{stream[market.Tick]{shared: shared, windows: windows}}
}

func (f *BidAskFeed) Kind() market.Kind { return market.KindBidAsk }

// OnTick appends to the back-buffer and signals new data.
func (f *BidAskFeed) OnTick(t market.Tick) { f.push(t) }

// ApplyBuf promotes buffered ticks and returns the live window and the new ticks.
func (f *BidAskFeed) ApplyBuf(now time.Time) (window, fresh []market.Tick) {
	return f.applyBuf(now)
}

func (f *BidAskFeed) Apply(now time.Time) int {
	_, fresh := f.applyBuf(now)
	return len(fresh)
}

// Snapshot copies the live window.
func (f *BidAskFeed) Snapshot() []market.Tick { return f.snapshot() }

func (f *BidAskFeed) HasMinHistory() bool { return f.hasMinHistory() }

func (f *BidAskFeed) IsAlive(now time.Time, maxStaleness time.Duration) bool {
	return isAlive(f.lastTime(), now, maxStaleness)
}

func (f *BidAskFeed) LastTime() time.Time { return f.lastTime() }

// Level2Feed buffers order book levels.
type Level2Feed struct {
	stream[market.Level2Update]
}

// NewLevel2Feed creates a level2 feed bound to the shared lock.
func NewLevel2Feed(shared *Shared, windows Windows) *Level2Feed {
	return &Level2Feed{stream[market.Level2Update]{shared: shared, windows: windows}}
}

func (f *Level2Feed) Kind() market.Kind { return market.KindLevel2 }

// OnLevel2 appends one snapshot batch.
func (f *Level2Feed) OnLevel2(batch []market.Level2Update) { f.push(batch...) }

// ApplyBuf promotes buffered updates and returns the live window and the new updates.
func (f *Level2Feed) ApplyBuf(now time.Time) (window, fresh []market.Level2Update) {
	return f.applyBuf(now)
}

func (f *Level2Feed) Apply(now time.Time) int {
	_, fresh := f.applyBuf(now)
	return len(fresh)
}

// Snapshot copies the live window.
func (f *Level2Feed) Snapshot() []market.Level2Update { return f.snapshot() }

func (f *Level2Feed) HasMinHistory() bool { return f.hasMinHistory() }

func (f *Level2Feed) IsAlive(now time.Time, maxStaleness time.Duration) bool {
	return isAlive(f.lastTime(), now, maxStaleness)
}

func (f *Level2Feed) LastTime() time.Time { return f.lastTime() }

var (
	_ Feed = (*BidAskFeed)(nil)
	_ Feed = (*Level2Feed)(nil)
)
