// Package feed buffers normalized market records per kind and folds them
// into bounded, time-ordered windows on demand.
package feed

import (
	"sync"
	"time"

	"github.com/pytrade/trade-core/internal/market"
)

// Feed is the kind-independent view the strategy runtime and watchdog need.
type Feed interface {
	Kind() market.Kind
	// Apply folds the back-buffer into the live window and returns how many records it took.
	Apply(now time.Time) int
	HasMinHistory() bool
	IsAlive(now time.Time, maxStaleness time.Duration) bool
	LastTime() time.Time
}

// Shared is the data lock and new-data signal shared by all feeds of one strategy.
// Feed callbacks hold the lock only to append to a buffer.
type Shared struct {
	mu      sync.Mutex
	newData chan struct{}
}

// NewShared creates the shared lock and signal.
func NewShared() *Shared {
	return &Shared{newData: make(chan struct{}, 1)}
}

// Signal marks that new data arrived. It never blocks.
func (s *Shared) Signal() {
	select {
	case s.newData <- struct{}{}:
	default:
	}
}

// NewData is signalled at least once after any number of Signal calls.
func (s *Shared) NewData() <-chan struct{} {
	return s.newData
}

// Windows bounds a feed's live window.
type Windows struct {
	// Max is the age after which rows are purged.
	Max time.Duration
	// Min is the span required before learning.
	Min time.Duration
}
