package trader

import (
	"errors"
	"path"
	"path/filepath"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/history"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/persist"
	"github.com/pytrade/trade-core/internal/table"
)

const DataCollectorName = "DataCollectorStrategy"

// DataCollector has no model. It writes the raw streams in the archive
// layout the history reconciler downloads.
type DataCollector struct {
	kinds []market.Kind
	p     *persist.State
}

// NewDataCollector routes each collected kind to <data.dir>/raw/<kind>,
// mirrored under <history.raw.prefix>/<kind>.
func NewDataCollector(cfg *config.Config, p *persist.State) (*DataCollector, error) {
	if p == nil {
		return nil, errors.New("data collector needs a persister")
	}
	kinds := market.Kinds
	if len(cfg.History.Kinds) > 0 {
		kinds = nil
		for _, s := range cfg.History.Kinds {
			k, err := market.ParseKind(s)
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, k)
		}
	}
	return newRawCollector(kinds, cfg, p), nil
}

func newRawCollector(kinds []market.Kind, cfg *config.Config, p *persist.State) *DataCollector {
	for _, k := range kinds {
		p.Route(k.String(), persist.Route{
			Dir:          filepath.Join(cfg.DataDir, "raw", k.String()),
			RemotePrefix: path.Join(cfg.History.RawPrefix, k.String()),
		})
	}
	return &DataCollector{kinds: kinds, p: p}
}

// rawCollecting runs a strategy and archives the raw streams it consumes.
type rawCollecting struct {
	Algorithm
	raw *DataCollector
}

func (a rawCollecting) OnData(d *Data) {
	if h, ok := a.Algorithm.(DataHandler); ok {
		h.OnData(d)
	}
	a.raw.OnData(d)
}

func (c *DataCollector) Name() string { return DataCollectorName }

func (c *DataCollector) Kinds() []market.Kind { return c.kinds }

func (c *DataCollector) CreateModel() Model { return nil }

func (c *DataCollector) CreatePipes() (Pipe, Pipe) { return nil, nil }

func (c *DataCollector) PrepareXY(*Data) (*table.Frame, *table.Frame, error) {
	return nil, nil, errNotEnoughData
}

func (c *DataCollector) PrepareLastX(*Data) (*table.Frame, error) { return nil, errNotEnoughData }

func (c *DataCollector) ProcessPrediction(*Data, *table.Frame) (Signal, error) {
	return Signal{}, nil
}

// OnData buffers the records promoted in this cycle.
func (c *DataCollector) OnData(d *Data) {
	for _, k := range c.kinds {
		var rows [][]string
		switch k {
		case market.KindBidAsk:
			for _, t := range d.FreshTicks {
				rows = append(rows, market.TickRecord(t))
			}
		case market.KindLevel2:
			for _, l := range d.FreshLevel2 {
				rows = append(rows, market.Level2Record(l))
			}
		case market.KindCandles:
			for _, cd := range d.FreshCandles {
				rows = append(rows, market.CandleRecord(cd))
			}
		}
		c.p.Append(k.String(), history.Header(k), rows...)
	}
}

var (
	_ Algorithm   = (*DataCollector)(nil)
	_ DataHandler = (*DataCollector)(nil)
	_ DataHandler = rawCollecting{}
)
