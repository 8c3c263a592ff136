// Package metrics is the narrow gauge/counter surface every component updates.
package metrics

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const namespace = "pytrade"

// Sink receives metric updates. Labels are key/value pairs.
type Sink interface {
	SetGauge(name string, value float64, labels ...string)
	IncCounter(name string, labels ...string)
	ObserveDuration(name string, d time.Duration, labels ...string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SetGauge(string, float64, ...string)              {}
func (Nop) IncCounter(string, ...string)                     {}
func (Nop) ObserveDuration(string, time.Duration, ...string) {}

// Prometheus is a Sink backed by its own registry. Vectors are created on first use.
type Prometheus struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	gauges     map[string]*prometheus.GaugeVec
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	logger     *zap.Logger
}

var _ Sink = (*Prometheus)(nil)

// NewPrometheus creates a sink with a fresh registry.
func NewPrometheus(logger *zap.Logger) *Prometheus {
	return &Prometheus{
		registry:   prometheus.NewRegistry(),
		gauges:     make(map[string]*prometheus.GaugeVec),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		logger:     logger.Named("metrics"),
	}
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) SetGauge(name string, value float64, labels ...string) {
	names, values := splitLabels(labels)
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: metricName(name)}, names)
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	g, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("Bad metric labels", zap.String("name", name), zap.Error(err))
		return
	}
	g.Set(value)
}

func (p *Prometheus) IncCounter(name string, labels ...string) {
	names, values := splitLabels(labels)
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: metricName(name) + "_total"}, names)
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()
	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("Bad metric labels", zap.String("name", name), zap.Error(err))
		return
	}
	c.Inc()
}

func (p *Prometheus) ObserveDuration(name string, d time.Duration, labels ...string) {
	names, values := splitLabels(labels)
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(name) + "_seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, names)
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	o, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("Bad metric labels", zap.String("name", name), zap.Error(err))
		return
	}
	o.Observe(d.Seconds())
}

func (p *Prometheus) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("Failed to register metric", zap.String("name", name), zap.Error(err))
		return false
	}
	return true
}

// RunPusher pushes the registry to a push gateway every interval until ctx is done.
func (p *Prometheus) RunPusher(ctx context.Context, url, job string, interval time.Duration) {
	pusher := push.New(url, job).Gatherer(p.registry)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := pusher.Push(); err != nil {
				p.logger.Warn("Final metrics push failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := pusher.Push(); err != nil {
				p.logger.Warn("Metrics push failed", zap.String("url", url), zap.Error(err))
			}
		}
	}
}

// splitLabels turns k1,v1,k2,v2 into sorted names and matching values.
func splitLabels(labels []string) (names, values []string) {
	type kv struct{ k, v string }
	pairs := make([]kv, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, kv{labels[i], labels[i+1]})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	for _, p := range pairs {
		names = append(names, p.k)
		values = append(values, p.v)
	}
	return names, values
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
