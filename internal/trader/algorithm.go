package trader

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/persist"
	"github.com/pytrade/trade-core/internal/table"
)

// Data is the consistent view of all feeds taken in one processing cycle.
type Data struct {
	Now time.Time

	// Live windows.
	Ticks   []market.Tick
	Level2  []market.Level2Update
	Candles map[time.Duration][]market.Candle

	// Records promoted from the back-buffers in this cycle.
	FreshTicks   []market.Tick
	FreshLevel2  []market.Level2Update
	FreshCandles []market.Candle

	// Minutes holds the one-minute frame of each kind, joined with the
	// archive when history is enabled.
	Minutes map[market.Kind]*table.Frame
}

// LastTick returns the newest tick of the window.
func (d *Data) LastTick() (market.Tick, bool) {
	if len(d.Ticks) == 0 {
		return market.Tick{}, false
	}
	return d.Ticks[len(d.Ticks)-1], true
}

// Signal is the trade decision derived from one prediction.
type Signal struct {
	Direction     int
	Price         float64
	StopLoss      float64
	TakeProfit    *float64
	TrailingDelta *float64
}

// Algorithm is the strategy-specific part of the runtime.
type Algorithm interface {
	Name() string
	// Kinds lists the feeds the algorithm reads.
	Kinds() []market.Kind
	// CreateModel returns an untrained model, or nil when the algorithm does not learn.
	CreateModel() Model
	CreatePipes() (x, y Pipe)
	// PrepareXY builds aligned feature and target frames from the windows.
	PrepareXY(d *Data) (x, y *table.Frame, err error)
	// PrepareLastX builds the feature row of the newest data.
	PrepareLastX(d *Data) (*table.Frame, error)
	// ProcessPrediction turns the predicted targets into a signal.
	ProcessPrediction(d *Data, y *table.Frame) (Signal, error)
}

// DataHandler is implemented by algorithms that consume every cycle's data.
type DataHandler interface {
	OnData(d *Data)
}

// Constructor builds an algorithm. p is the strategy's persister.
type Constructor func(cfg *config.Config, p *persist.State) (Algorithm, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes an algorithm available under name.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = c
}

// NewAlgorithm builds the algorithm registered under name.
func NewAlgorithm(name string, cfg *config.Config, p *persist.State) (Algorithm, error) {
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q, known: %v", name, Algorithms())
	}
	algo, err := c(cfg, p)
	if err != nil || !cfg.Trading.CollectRaw {
		return algo, err
	}
	if _, ok := algo.(*DataCollector); ok || p == nil {
		return algo, nil
	}
	return rawCollecting{Algorithm: algo, raw: newRawCollector(algo.Kinds(), cfg, p)}, nil
}

// Algorithms lists the registered names.
func Algorithms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(BidAskMinMaxName, func(cfg *config.Config, _ *persist.State) (Algorithm, error) {
		return NewBidAskMinMax(ParamsFromConfig(cfg)), nil
	})
	Register(DataCollectorName, func(cfg *config.Config, p *persist.State) (Algorithm, error) {
		return NewDataCollector(cfg, p)
	})
}
