package trader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pytrade/trade-core/internal/broker"
	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/feed"
	"github.com/pytrade/trade-core/internal/history"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/pytrade/trade-core/internal/models"
	"github.com/pytrade/trade-core/internal/persist"
	"github.com/pytrade/trade-core/internal/table"
	"go.uber.org/zap"
)

// State is what the runtime is doing. Transitions reject reentry.
type State int32

const (
	StateIdle State = iota
	StateProcessing
	StateLearning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateLearning:
		return "learning"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Audit status tags of the signal rows.
const (
	StatusOK              = "ok"
	StatusNoSignal        = "no_signal"
	StatusAlreadyInMarket = "already_in_market"
	StatusRiskDeny        = "risk_manager_deny"
	StatusBrokerReject    = "broker_reject"
	// StatusWarmingUp is reported while prediction waits for the minimum history.
	StatusWarmingUp = "warming_up"
)

var SignalHeader = []string{"datetime", "signal", "price", "stop_loss", "take_profit", "trailing_delta", "status"}

var ErrBusy = errors.New("runtime is busy")

// Broker is the part of the broker the runtime drives.
type Broker interface {
	HasCurTrade() bool
	CurTrade() *models.Trade
	CreateCurTrade(ctx context.Context, req broker.TradeRequest) (*models.Trade, error)
}

// RiskGate allows or denies new entries.
type RiskGate interface {
	CanTrade(now time.Time) bool
}

// Feeds are the runtime's data sources. Any of the per-kind feeds may be nil.
type Feeds struct {
	Shared  *feed.Shared
	BidAsk  *feed.BidAskFeed
	Level2  *feed.Level2Feed
	Candles *feed.CandlesFeed
	// History joins each kind's minutes with the archive. Kinds without a
	// reconciler are preprocessed from the live window alone.
	History map[market.Kind]*history.Reconciler
}

func (f Feeds) list() []feed.Feed {
	var out []feed.Feed
	if f.BidAsk != nil {
		out = append(out, f.BidAsk)
	}
	if f.Level2 != nil {
		out = append(out, f.Level2)
	}
	if f.Candles != nil {
		out = append(out, f.Candles)
	}
	return out
}

// Options configures the runtime loop.
type Options struct {
	Ticker        string
	Quantity      float64
	LearnInterval time.Duration
	LearnEpochs   int
	MinXYLen      int
	MaxStaleness  time.Duration
	ProcessWait   time.Duration
}

// OptionsFromConfig reads the runtime settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Ticker:        cfg.TradingTicker(),
		Quantity:      cfg.Order.Quantity,
		LearnInterval: cfg.Trading.LearnInterval,
		LearnEpochs:   cfg.Trading.LearnEpochs,
		MinXYLen:      cfg.Trading.MinXYLen,
		MaxStaleness:  cfg.Feed.MaxStaleness,
		ProcessWait:   cfg.Trading.ProcessWaitInterval,
	}
}

// Deps are the collaborators of a Runtime. Persister and Models may be nil.
type Deps struct {
	Feeds     Feeds
	Broker    Broker
	Risk      RiskGate
	Persister *persist.State
	Models    *persist.ModelStore
	Logger    *zap.Logger
	Metrics   metrics.Sink
}

type modelSnapshot struct {
	Model    Model     `json:"model"`
	XPipe    Pipe      `json:"x_pipe"`
	YPipe    Pipe      `json:"y_pipe"`
	YColumns []string  `json:"y_columns"`
	Trained  time.Time `json:"trained"`
}

// Runtime is the processing loop shared by all algorithms: fold the feed
// buffers, learn when due, predict, and act on the signal.
type Runtime struct {
	ID        string
	StartTime time.Time

	algo      Algorithm
	learns    bool
	opts      Options
	feeds     Feeds
	broker    Broker
	risk      RiskGate
	persister *persist.State
	models    *persist.ModelStore
	logger    *zap.Logger
	metrics   metrics.Sink
	now       func() time.Time

	state atomic.Int32

	mu          sync.RWMutex
	model       Model
	xPipe       Pipe
	yPipe       Pipe
	yColumns    []string
	lastLearn   time.Time
	lastProcess time.Time
	lastSignal  Signal
	lastStatus  string
}

// NewRuntime wires an algorithm to its collaborators.
func NewRuntime(algo Algorithm, opts Options, deps Deps) (*Runtime, error) {
	if deps.Feeds.Shared == nil {
		return nil, errors.New("runtime needs the shared feed signal")
	}
	if deps.Broker == nil || deps.Risk == nil {
		return nil, errors.New("runtime needs a broker and a risk gate")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if opts.ProcessWait <= 0 {
		opts.ProcessWait = time.Second
	}
	if opts.LearnEpochs <= 0 {
		opts.LearnEpochs = 200
	}
	return &Runtime{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		algo:      algo,
		learns:    algo.CreateModel() != nil,
		opts:      opts,
		feeds:     deps.Feeds,
		broker:    deps.Broker,
		risk:      deps.Risk,
		persister: deps.Persister,
		models:    deps.Models,
		logger:    deps.Logger.Named("strategy").With(zap.String("strategy", algo.Name())),
		metrics:   deps.Metrics,
		now:       time.Now,
	}, nil
}

// Name is the algorithm name.
func (r *Runtime) Name() string { return r.algo.Name() }

// State returns the current state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Trained reports whether a model is available for prediction.
func (r *Runtime) Trained() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model != nil
}

// Start restores the newest model snapshot.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.learns || r.models == nil {
		return nil
	}
	xp, yp := r.algo.CreatePipes()
	snap := modelSnapshot{Model: r.algo.CreateModel(), XPipe: xp, YPipe: yp}
	ok, err := r.models.LoadLast(&snap)
	if err != nil {
		return fmt.Errorf("failed to restore model: %w", err)
	}
	if !ok {
		r.logger.Info("No saved model, waiting for the first fit")
		return nil
	}
	r.mu.Lock()
	r.model, r.xPipe, r.yPipe, r.yColumns, r.lastLearn = snap.Model, snap.XPipe, snap.YPipe, snap.YColumns, snap.Trained
	r.mu.Unlock()
	r.logger.Info("Model restored", zap.Time("trained", snap.Trained))
	return nil
}

// Run processes data on every new-data signal, or at least once per wait
// interval, until ctx is done.
func (r *Runtime) Run(ctx context.Context) {
	r.logger.Info("Starting processing loop", zap.Duration("wait", r.opts.ProcessWait))
	timer := time.NewTimer(r.opts.ProcessWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping processing loop")
			return
		case <-r.feeds.Shared.NewData():
		case <-timer.C:
		}
		r.Process(ctx)
		timer.Reset(r.opts.ProcessWait)
	}
}

// Process runs one cycle. It never panics and skips when a cycle is running.
func (r *Runtime) Process(ctx context.Context) {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateProcessing)) {
		r.logger.Debug("Skipping cycle", zap.Stringer("state", r.State()))
		return
	}
	defer r.state.Store(int32(StateIdle))
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.IncCounter("strategy.errors", "stage", "process")
			r.logger.Error("Processing panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()

	start := time.Now()
	now := r.now()
	d := r.applyBuf(ctx, now)
	if h, ok := r.algo.(DataHandler); ok {
		h.OnData(d)
	}
	if r.learns && r.learnDue(now) {
		if err := r.Learn(ctx, d); err != nil {
			r.metrics.IncCounter("strategy.errors", "stage", "learn")
			r.logger.Error("Learning failed", zap.Error(err))
		}
	}
	if r.Trained() && !r.historyReady() {
		r.mu.Lock()
		r.lastStatus = StatusWarmingUp
		r.mu.Unlock()
		r.logger.Debug("Skipping prediction until the minimum history is held")
	} else if r.Trained() {
		if err := r.predictAndAct(ctx, d); err != nil && !errors.Is(err, errNotEnoughData) {
			r.metrics.IncCounter("strategy.errors", "stage", "predict")
			r.logger.Error("Prediction failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.lastProcess = now
	r.mu.Unlock()
	r.metrics.ObserveDuration("strategy.process", time.Since(start), "strategy", r.Name())
}

// applyBuf folds every feed's buffer and builds the cycle's data view.
func (r *Runtime) applyBuf(ctx context.Context, now time.Time) *Data {
	d := &Data{Now: now, Minutes: make(map[market.Kind]*table.Frame)}
	if f := r.feeds.BidAsk; f != nil {
		d.Ticks, d.FreshTicks = f.ApplyBuf(now)
		d.Minutes[market.KindBidAsk] = r.minutes(ctx, market.KindBidAsk, now,
			history.TicksFrame(d.Ticks), history.TicksFrame(d.FreshTicks))
	}
	if f := r.feeds.Level2; f != nil {
		d.Level2, d.FreshLevel2 = f.ApplyBuf(now)
		d.Minutes[market.KindLevel2] = r.minutes(ctx, market.KindLevel2, now,
			history.Level2Frame(d.Level2), history.Level2Frame(d.FreshLevel2))
	}
	if f := r.feeds.Candles; f != nil {
		d.FreshCandles = f.ApplyBuf(now)
		d.Candles = f.Snapshot()
		d.Minutes[market.KindCandles] = r.minutes(ctx, market.KindCandles, now,
			history.CandlesFrame(d.Candles[history.Interval]), history.CandlesFrame(d.FreshCandles))
	}
	for k, m := range d.Minutes {
		r.metrics.SetGauge("feed.minutes", float64(m.Len()), "kind", k.String())
	}
	return d
}

func (r *Runtime) minutes(ctx context.Context, kind market.Kind, now time.Time, window, fresh *table.Frame) *table.Frame {
	if rec := r.feeds.History[kind]; rec != nil {
		return rec.ApplyBuf(ctx, now, fresh)
	}
	m := history.Preprocess(kind, window)
	// the bucket still in progress
	for !m.Empty() && m.Last().After(now) {
		m.Rows = m.Rows[:len(m.Rows)-1]
	}
	return m
}

func (r *Runtime) learnDue(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastLearn.IsZero() || now.Sub(r.lastLearn) >= r.opts.LearnInterval
}

// CanLearn requires the minimum history and no fit in progress.
func (r *Runtime) CanLearn() bool {
	if !r.learns || r.State() == StateLearning {
		return false
	}
	return r.historyReady()
}

// historyReady reports whether every feed holds its minimum history and every
// history reconciler is good. Neither learning nor prediction runs before.
func (r *Runtime) historyReady() bool {
	for _, f := range r.feeds.list() {
		if !f.HasMinHistory() {
			return false
		}
	}
	for _, rec := range r.feeds.History {
		if !rec.IsGood() {
			return false
		}
	}
	return true
}

func frameRows(f *table.Frame) [][]float64 {
	rows := make([][]float64, len(f.Rows))
	for i, row := range f.Rows {
		rows[i] = row.Values
	}
	return rows
}

// Learn fits fresh pipes and a fresh model on d and saves them. With fewer
// than MinXYLen rows it does nothing.
func (r *Runtime) Learn(ctx context.Context, d *Data) error {
	if !r.CanLearn() {
		return nil
	}
	x, y, err := r.algo.PrepareXY(d)
	if errors.Is(err, errNotEnoughData) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to prepare xy: %w", err)
	}
	if x.Len() < r.opts.MinXYLen || x.Len() != y.Len() {
		r.logger.Debug("Not enough rows to learn", zap.Int("x", x.Len()), zap.Int("y", y.Len()), zap.Int("min", r.opts.MinXYLen))
		return nil
	}

	prev := r.State()
	if prev == StateLearning || !r.state.CompareAndSwap(int32(prev), int32(StateLearning)) {
		return ErrBusy
	}
	defer r.state.Store(int32(prev))

	start := time.Now()
	xp, yp := r.algo.CreatePipes()
	xRows, yRows := frameRows(x), frameRows(y)
	xp.Fit(xRows)
	yp.Fit(yRows)
	model := r.algo.CreateModel()
	if err := model.Fit(xp.Transform(xRows), yp.Transform(yRows), r.opts.LearnEpochs); err != nil {
		return fmt.Errorf("failed to fit model: %w", err)
	}
	trained := r.now()

	r.mu.Lock()
	r.model, r.xPipe, r.yPipe, r.yColumns, r.lastLearn = model, xp, yp, y.Columns, trained
	r.mu.Unlock()

	elapsed := time.Since(start)
	r.metrics.ObserveDuration("strategy.learn", elapsed, "strategy", r.Name())
	r.logger.Info("Model trained", zap.Int("rows", x.Len()), zap.Duration("took", elapsed))

	if r.models != nil {
		snap := modelSnapshot{Model: model, XPipe: xp, YPipe: yp, YColumns: y.Columns, Trained: trained}
		if _, err := r.models.Save(ctx, snap); err != nil {
			r.logger.Warn("Failed to save model", zap.Error(err))
		}
	}
	return nil
}

func (r *Runtime) predict(d *Data) (x, y *table.Frame, err error) {
	r.mu.RLock()
	model, xp, yp, cols := r.model, r.xPipe, r.yPipe, r.yColumns
	r.mu.RUnlock()

	x, err = r.algo.PrepareLastX(d)
	if err != nil {
		return nil, nil, err
	}
	out, err := model.Predict(xp.Transform(frameRows(x)))
	if err != nil {
		return nil, nil, err
	}
	out = yp.Inverse(out)
	y = table.New(cols...)
	for i, row := range x.Rows {
		y.Rows = append(y.Rows, table.Row{Time: row.Time, Values: out[i]})
	}
	return x, y, nil
}

func (r *Runtime) predictAndAct(ctx context.Context, d *Data) error {
	x, y, err := r.predict(d)
	if err != nil {
		return err
	}
	sig, err := r.algo.ProcessPrediction(d, y)
	if err != nil {
		return err
	}
	status := r.act(ctx, d.Now, sig)

	if r.persister != nil {
		r.persister.AppendFrame("x", x)
		r.persister.AppendFrame("y_pred", y)
		r.persister.Append("signal_ext", SignalHeader, signalRow(d.Now, sig, status))
	}
	return nil
}

// act opens a trade for a non-zero signal when no trade is open and the risk
// gate allows it. It returns the audit status.
func (r *Runtime) act(ctx context.Context, now time.Time, sig Signal) string {
	status := StatusNoSignal
	if sig.Direction != 0 {
		switch {
		case r.broker.HasCurTrade():
			status = StatusAlreadyInMarket
		case !r.risk.CanTrade(now):
			status = StatusRiskDeny
		default:
			_, err := r.broker.CreateCurTrade(ctx, broker.TradeRequest{
				Direction:     sig.Direction,
				Quantity:      r.opts.Quantity,
				Price:         sig.Price,
				StopLoss:      sig.StopLoss,
				TakeProfit:    sig.TakeProfit,
				TrailingDelta: sig.TrailingDelta,
			})
			if err != nil {
				status = StatusBrokerReject
				r.logger.Info("Broker rejected signal", zap.Int("signal", sig.Direction), zap.Error(err))
			} else {
				status = StatusOK
			}
		}
	}

	r.mu.Lock()
	r.lastSignal, r.lastStatus = sig, status
	r.mu.Unlock()
	r.metrics.SetGauge("strategy.signal", float64(sig.Direction), "ticker", r.opts.Ticker)
	r.metrics.IncCounter("strategy.signals", "status", status)
	if sig.Direction != 0 {
		r.logger.Info("Signal",
			zap.Int("direction", sig.Direction),
			zap.Float64("price", sig.Price),
			zap.Float64("stop_loss", sig.StopLoss),
			zap.Float64p("take_profit", sig.TakeProfit),
			zap.String("status", status))
	}
	return status
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func signalRow(now time.Time, sig Signal, status string) []string {
	return []string{
		now.UTC().Format(time.RFC3339),
		strconv.Itoa(sig.Direction),
		strconv.FormatFloat(sig.Price, 'f', -1, 64),
		strconv.FormatFloat(sig.StopLoss, 'f', -1, 64),
		optFloat(sig.TakeProfit),
		optFloat(sig.TrailingDelta),
		status,
	}
}

// IsAlive reports whether every feed has fresh data and every history
// reconciler is good.
func (r *Runtime) IsAlive(now time.Time) bool {
	for _, f := range r.feeds.list() {
		if !f.IsAlive(now, r.opts.MaxStaleness) {
			r.logger.Warn("Feed is stale", zap.Stringer("kind", f.Kind()), zap.Time("last", f.LastTime()))
			return false
		}
	}
	for k, rec := range r.feeds.History {
		if !rec.IsGood() {
			r.logger.Warn("History is not good", zap.Stringer("kind", k))
			return false
		}
	}
	return true
}

// Status is the runtime summary served by the API.
type Status struct {
	ID          string        `json:"id"`
	Strategy    string        `json:"strategy"`
	Ticker      string        `json:"ticker"`
	State       string        `json:"state"`
	StartTime   time.Time     `json:"start_time"`
	Uptime      string        `json:"uptime"`
	Trained     bool          `json:"trained"`
	LastLearn   time.Time     `json:"last_learn"`
	LastProcess time.Time     `json:"last_process"`
	LastSignal  int           `json:"last_signal"`
	LastStatus  string        `json:"last_status"`
	Trade       *models.Trade `json:"trade,omitempty"`
}

// Status snapshots the runtime.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		ID:          r.ID,
		Strategy:    r.Name(),
		Ticker:      r.opts.Ticker,
		State:       r.State().String(),
		StartTime:   r.StartTime,
		Uptime:      time.Since(r.StartTime).Round(time.Second).String(),
		Trained:     r.model != nil,
		LastLearn:   r.lastLearn,
		LastProcess: r.lastProcess,
		LastSignal:  r.lastSignal.Direction,
		LastStatus:  r.lastStatus,
		Trade:       r.broker.CurTrade(),
	}
}
