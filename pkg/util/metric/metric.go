// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package metric provides server metrics (a.k.a. transient stats) for a
// Freshet process. Metrics carry their metadata and export themselves in
// Prometheus' data model.
package metric

import (
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Unit describes how the metric's value should be interpreted.
type Unit int

// The supported metric units.
const (
	Unit_COUNT Unit = iota
	Unit_NANOSECONDS
	Unit_BYTES
	Unit_SECONDS
)

// Metadata holds metadata about a metric. It must be embedded in each metric
// object.
type Metadata struct {
	Name        string
	Help        string
	Measurement string
	Unit        Unit
}

// GetName returns the metric's name.
func (m Metadata) GetName() string { return m.Name }

// GetHelp returns the metric's help string.
func (m Metadata) GetHelp() string { return m.Help }

// Iterable provides a method for synchronized access to interior objects.
type Iterable interface {
	GetName() string
	GetHelp() string
	Inspect(func(interface{}))
}

// PrometheusExportable is implemented by all metrics which can be exported
// in Prometheus' data model.
type PrometheusExportable interface {
	GetName() string
	GetHelp() string
	GetType() *dto.MetricType
	ToPrometheusMetric() *dto.Metric
}

// A Counter holds a single mutable atomic value.
type Counter struct {
	Metadata
	count atomic.Int64
}

// NewCounter creates a counter.
func NewCounter(metadata Metadata) *Counter {
	return &Counter{Metadata: metadata}
}

// Inc atomically increments the counter by the given value.
func (c *Counter) Inc(v int64) { c.count.Add(v) }

// Count returns the current value of the counter.
func (c *Counter) Count() int64 { return c.count.Load() }

// Inspect calls the given closure with the empty string and itself.
func (c *Counter) Inspect(f func(interface{})) { f(c) }

// GetType returns the prometheus type enum for this metric.
func (c *Counter) GetType() *dto.MetricType {
	return dto.MetricType_COUNTER.Enum()
}

// ToPrometheusMetric returns a filled-in prometheus metric of the right type.
func (c *Counter) ToPrometheusMetric() *dto.Metric {
	v := float64(c.Count())
	return &dto.Metric{Counter: &dto.Counter{Value: &v}}
}

// A Gauge atomically stores a single integer value.
type Gauge struct {
	Metadata
	value atomic.Int64
}

// NewGauge creates a Gauge.
func NewGauge(metadata Metadata) *Gauge {
	return &Gauge{Metadata: metadata}
}

// Update updates the gauge's value.
func (g *Gauge) Update(v int64) { g.value.Store(v) }

// Inc increments the gauge's value.
func (g *Gauge) Inc(v int64) { g.value.Add(v) }

// Dec decrements the gauge's value.
func (g *Gauge) Dec(v int64) { g.value.Add(-v) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Inspect calls the given closure with the empty string and itself.
func (g *Gauge) Inspect(f func(interface{})) { f(g) }

// GetType returns the prometheus type enum for this metric.
func (g *Gauge) GetType() *dto.MetricType {
	return dto.MetricType_GAUGE.Enum()
}

// ToPrometheusMetric returns a filled-in prometheus metric of the right type.
func (g *Gauge) ToPrometheusMetric() *dto.Metric {
	v := float64(g.Value())
	return &dto.Metric{Gauge: &dto.Gauge{Value: &v}}
}

// DurationBuckets are prometheus histogram buckets suitable for latencies
// expressed in nanoseconds, covering 100µs through 10s.
var DurationBuckets = prometheus.ExponentialBucketsRange(
	float64(100*time.Microsecond), float64(10*time.Second), 30)

// CountBuckets are prometheus histogram buckets suitable for batch sizes and
// queue lengths.
var CountBuckets = prometheus.ExponentialBuckets(1, 2, 16)

// A Histogram records samples into a prometheus histogram and exports the
// cumulative distribution.
type Histogram struct {
	Metadata
	prom prometheus.Histogram
}

// NewHistogram creates a Histogram with the given bucket boundaries.
func NewHistogram(metadata Metadata, buckets []float64) *Histogram {
	return &Histogram{
		Metadata: metadata,
		prom: prometheus.NewHistogram(prometheus.HistogramOpts{
			Buckets: buckets,
		}),
	}
}

// RecordValue adds the given value to the histogram.
func (h *Histogram) RecordValue(v int64) {
	h.prom.Observe(float64(v))
}

// Inspect calls the given closure with the empty string and itself.
func (h *Histogram) Inspect(f func(interface{})) { f(h) }

// GetType returns the prometheus type enum for this metric.
func (h *Histogram) GetType() *dto.MetricType {
	return dto.MetricType_HISTOGRAM.Enum()
}

// ToPrometheusMetric returns a filled-in prometheus metric of the right type.
func (h *Histogram) ToPrometheusMetric() *dto.Metric {
	m := &dto.Metric{}
	if err := h.prom.Write(m); err != nil {
		panic(err)
	}
	return m
}

// TotalCount returns the number of samples recorded.
func (h *Histogram) TotalCount() int64 {
	return int64(h.ToPrometheusMetric().Histogram.GetSampleCount())
}

// TotalSum returns the sum of all recorded samples.
func (h *Histogram) TotalSum() float64 {
	return h.ToPrometheusMetric().Histogram.GetSampleSum()
}

// Mean returns the average of the recorded samples, or 0 if there are none.
func (h *Histogram) Mean() float64 {
	pm := h.ToPrometheusMetric().Histogram
	if pm.GetSampleCount() == 0 {
		return 0
	}
	return pm.GetSampleSum() / float64(pm.GetSampleCount())
}

// A Rate tracks an exponentially weighted moving average of added samples.
// It exports the smoothed value as a prometheus gauge.
type Rate struct {
	Metadata
	mu struct {
		syncutil.Mutex
		ma ewma.MovingAverage
	}
}

// NewRate creates a Rate.
func NewRate(metadata Metadata) *Rate {
	r := &Rate{Metadata: metadata}
	r.mu.ma = ewma.NewMovingAverage()
	return r
}

// Add adds a sample to the moving average.
func (r *Rate) Add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.ma.Add(v)
}

// Value returns the current smoothed value.
func (r *Rate) Value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.ma.Value()
}

// Inspect calls the given closure with the empty string and itself.
func (r *Rate) Inspect(f func(interface{})) { f(r) }

// GetType returns the prometheus type enum for this metric.
func (r *Rate) GetType() *dto.MetricType {
	return dto.MetricType_GAUGE.Enum()
}

// ToPrometheusMetric returns a filled-in prometheus metric of the right type.
func (r *Rate) ToPrometheusMetric() *dto.Metric {
	v := r.Value()
	return &dto.Metric{Gauge: &dto.Gauge{Value: &v}}
}
