// Package watchdog terminates the process once the strategy stops receiving data.
package watchdog

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pytrade/trade-core/internal/metrics"
	"go.uber.org/zap"
)

// Probe reports liveness at a point in time.
type Probe interface {
	IsAlive(now time.Time) bool
}

// Watchdog checks a probe periodically after a warmup.
type Watchdog struct {
	probe    Probe
	warmup   time.Duration
	interval time.Duration
	logger   *zap.Logger
	metrics  metrics.Sink
	now      func() time.Time
	kill     func() error

	tripped atomic.Bool
}

// New creates a watchdog. Zero durations default to one minute.
func New(probe Probe, warmup, interval time.Duration, logger *zap.Logger, sink metrics.Sink) *Watchdog {
	if warmup <= 0 {
		warmup = time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Watchdog{
		probe:    probe,
		warmup:   warmup,
		interval: interval,
		logger:   logger.Named("watchdog"),
		metrics:  sink,
		now:      time.Now,
		kill:     terminateSelf,
	}
}

// Tripped reports whether the watchdog asked the process to stop.
func (w *Watchdog) Tripped() bool { return w.tripped.Load() }

// Run blocks until ctx is done or the probe fails once.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("Watchdog armed", zap.Duration("warmup", w.warmup), zap.Duration("interval", w.interval))
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.warmup):
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if !w.check() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) check() bool {
	if w.probe.IsAlive(w.now()) {
		w.metrics.SetGauge("watchdog.alive", 1)
		return true
	}
	w.metrics.SetGauge("watchdog.alive", 0)
	w.tripped.Store(true)
	w.logger.Error("Strategy is not alive, terminating")
	if err := w.kill(); err != nil {
		w.logger.Error("Failed to signal own process", zap.Error(err))
	}
	return false
}

func terminateSelf() error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
