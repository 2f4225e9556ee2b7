// Package metrics implements the vault's metrics registry (SPEC_FULL.md
// §4.M): counters, gauges, and histograms labeled by collection, built on
// client_golang's real types, with Prometheus text and flat JSON exposition.
package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
)

// DefaultBuckets are the default histogram buckets, in seconds.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

// StoreLatencyBuckets are the object-store latency histogram buckets, in
// milliseconds.
var StoreLatencyBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

const labelCollection = "collection"

// Registry holds every series the vault records, each labeled by
// collection (the empty string for process-wide series).
type Registry struct {
	namespace string
	reg       *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry creates an empty registry. namespace prefixes every series
// name in Prometheus exposition (e.g. "vault_checks_total").
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Counter is a monotonic counter bound to one series and one collection label.
type Counter struct {
	vec    *prometheus.CounterVec
	labels prometheus.Labels
}

// Inc adds delta (default 1 if delta <= 0) to the counter.
func (c *Counter) Inc(delta ...float64) {
	d := 1.0
	if len(delta) > 0 && delta[0] > 0 {
		d = delta[0]
	}
	c.vec.With(c.labels).Add(d)
}

// Get returns the counter's current value.
func (c *Counter) Get() float64 {
	return testutil.ToFloat64(c.vec.With(c.labels))
}

// Gauge is a point-in-time value bound to one series and one collection label.
type Gauge struct {
	vec    *prometheus.GaugeVec
	labels prometheus.Labels
}

func (g *Gauge) Set(v float64) { g.vec.With(g.labels).Set(v) }
func (g *Gauge) Inc()          { g.vec.With(g.labels).Inc() }
func (g *Gauge) Dec()          { g.vec.With(g.labels).Dec() }
func (g *Gauge) Get() float64  { return testutil.ToFloat64(g.vec.With(g.labels)) }

// Histogram observes values into fixed buckets, bound to one series and one
// collection label.
type Histogram struct {
	reg    *Registry
	name   string
	vec    *prometheus.HistogramVec
	labels prometheus.Labels
}

func (h *Histogram) Observe(v float64) { h.vec.With(h.labels).Observe(v) }

// HistogramSnapshot is the count/sum/per-bucket state of one histogram series.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64 // cumulative count at each `le` boundary
}

// Snapshot gathers the histogram's current count/sum/bucket state.
func (h *Histogram) Snapshot() (HistogramSnapshot, error) {
	return h.reg.histogramSnapshot(h.name, h.labels)
}

// Counter returns (creating if necessary) the named counter for a collection.
// Pass collection = "" for a process-wide series.
func (r *Registry) Counter(name, help, collection string) *Counter {
	vec := r.counterVec(name, help)
	return &Counter{vec: vec, labels: prometheus.Labels{labelCollection: collection}}
}

// Gauge returns (creating if necessary) the named gauge for a collection.
func (r *Registry) Gauge(name, help, collection string) *Gauge {
	vec := r.gaugeVec(name, help)
	return &Gauge{vec: vec, labels: prometheus.Labels{labelCollection: collection}}
}

// Histogram returns (creating if necessary) the named histogram for a
// collection, using buckets (DefaultBuckets or StoreLatencyBuckets, or a
// caller-supplied set).
func (r *Registry) Histogram(name, help, collection string, buckets []float64) *Histogram {
	vec := r.histogramVec(name, help, buckets)
	return &Histogram{reg: r, name: name, vec: vec, labels: prometheus.Labels{labelCollection: collection}}
}

// SetGauge implements health.MetricsSink: Set the named gauge for a
// collection without a Help string (used when the series is already
// registered by an earlier call).
func (r *Registry) SetGauge(name, collection string, value float64) {
	r.Gauge(name, name, collection).Set(value)
}

// IncCounter implements health.MetricsSink.
func (r *Registry) IncCounter(name, collection string) {
	r.Counter(name, name, collection).Inc()
}

func (r *Registry) counterVec(name, help string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
	}, []string{labelCollection})
	r.reg.MustRegister(vec)
	r.counters[name] = vec
	return vec
}

func (r *Registry) gaugeVec(name, help string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vec, ok := r.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
	}, []string{labelCollection})
	r.reg.MustRegister(vec)
	r.gauges[name] = vec
	return vec
}

func (r *Registry) histogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, []string{labelCollection})
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
	return vec
}

func (r *Registry) histogramSnapshot(name string, labels prometheus.Labels) (HistogramSnapshot, error) {
	r.mu.Lock()
	vec, ok := r.histograms[name]
	r.mu.Unlock()
	if !ok {
		return HistogramSnapshot{}, fmt.Errorf("metrics: unknown histogram %q", name)
	}

	m := &dto.Metric{}
	if err := vec.With(labels).(prometheus.Histogram).Write(m); err != nil {
		return HistogramSnapshot{}, err
	}

	h := m.GetHistogram()
	snap := HistogramSnapshot{
		Count:   h.GetSampleCount(),
		Sum:     h.GetSampleSum(),
		Buckets: make(map[float64]uint64, len(h.GetBucket())),
	}
	for _, b := range h.GetBucket() {
		snap.Buckets[b.GetUpperBound()] = b.GetCumulativeCount()
	}
	return snap, nil
}

// WritePrometheusText renders every registered series in Prometheus text
// exposition format.
func (r *Registry) WritePrometheusText() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	encoder := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// WriteJSON renders every registered series as a flat JSON map, keyed
// "<name>{collection=\"<collection>\"}" -> value. Histograms contribute
// "<name>_count", "<name>_sum", and "<name>_bucket{le=\"<x>\"}" entries.
func (r *Registry) WriteJSON() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}

	flat := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			collection := labelValue(m, labelCollection)
			switch {
			case m.Counter != nil:
				flat[seriesKey(name, collection)] = m.Counter.GetValue()
			case m.Gauge != nil:
				flat[seriesKey(name, collection)] = m.Gauge.GetValue()
			case m.Histogram != nil:
				flat[seriesKey(name+"_count", collection)] = float64(m.Histogram.GetSampleCount())
				flat[seriesKey(name+"_sum", collection)] = m.Histogram.GetSampleSum()
				for _, b := range m.Histogram.GetBucket() {
					key := fmt.Sprintf("%s_bucket{collection=%q,le=%q}", name, collection, formatBound(b.GetUpperBound()))
					flat[key] = float64(b.GetCumulativeCount())
				}
			}
		}
	}

	return json.Marshal(flat)
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func seriesKey(name, collection string) string {
	if collection == "" {
		return name
	}
	return fmt.Sprintf("%s{collection=%q}", name, collection)
}

func formatBound(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
