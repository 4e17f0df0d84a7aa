// Package prommetrics exposes core metrics through a Prometheus registry.
package prommetrics

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-deploysync/core"
)

// Tags outside this set are dropped so every vector keeps a stable label set.
var labelNames = []string{"operation", "status", "provider", "outcome", "reason"}

var durationBuckets = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// Recorder implements core.MetricsRecorder. Vectors are created lazily on
// first use and registered on reg.
type Recorder struct {
	reg    prometheus.Registerer
	logger core.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRecorder(reg prometheus.Registerer, logger core.Logger) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Recorder{
		reg:        reg,
		logger:     logger,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	vec := r.counter(MetricName(name, "_total"))
	if vec == nil {
		return
	}
	vec.With(labels(tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(MetricName(name, ""))
	if vec == nil {
		return
	}
	vec.With(labels(tags)).Observe(value)
}

func (r *Recorder) counter(name string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "deploysync counter " + name,
	}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			r.warn(name, err)
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			r.warn(name, err)
			return nil
		}
		vec = existing
	}
	r.counters[name] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "deploysync histogram " + name,
		Buckets: durationBuckets,
	}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			r.warn(name, err)
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			r.warn(name, err)
			return nil
		}
		vec = existing
	}
	r.histograms[name] = vec
	return vec
}

func (r *Recorder) warn(name string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Warn("metrics: failed to register collector", "metric", name, "error", err)
}

// MetricName maps a dotted metric name onto the Prometheus charset and
// appends suffix when missing.
func MetricName(name string, suffix string) string {
	var b strings.Builder
	for i, ch := range strings.TrimSpace(name) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if suffix != "" && !strings.HasSuffix(out, suffix) {
		out += suffix
	}
	return out
}

func labels(tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labelNames))
	for _, name := range labelNames {
		out[name] = tags[name]
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
