// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package metric

import (
	"reflect"
	"sort"
	"strings"

	"github.com/freshetdb/freshet/pkg/util/syncutil"
	dto "github.com/prometheus/client_model/go"
)

// A Registry bundles up various iterables (i.e. typically metrics or other
// registries) to provide a single point of access to them. It implements
// prometheus.Gatherer over its tracked metrics.
type Registry struct {
	mu struct {
		syncutil.Mutex
		tracked map[string]Iterable
	}
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.mu.tracked = map[string]Iterable{}
	return r
}

// AddMetric adds the passed-in metric to the registry.
func (r *Registry) AddMetric(metric Iterable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.tracked[metric.GetName()] = metric
}

// AddMetricStruct examines all fields of metricStruct and adds all Iterable
// or slice-of-Iterable objects to the registry. Non-metric fields are
// silently skipped.
func (r *Registry) AddMetricStruct(metricStruct interface{}) {
	v := reflect.ValueOf(metricStruct)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	for i := 0; i < v.NumField(); i++ {
		vfield := v.Field(i)
		if !vfield.CanInterface() {
			continue
		}
		switch vfield.Kind() {
		case reflect.Slice, reflect.Array:
			for j := 0; j < vfield.Len(); j++ {
				r.addIfMetric(vfield.Index(j))
			}
		default:
			r.addIfMetric(vfield)
		}
	}
}

func (r *Registry) addIfMetric(v reflect.Value) {
	if !v.CanInterface() {
		return
	}
	if metric, ok := v.Interface().(Iterable); ok && metric != nil {
		r.AddMetric(metric)
	}
}

// Each calls the given closure for all tracked metrics.
func (r *Registry) Each(f func(name string, val interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, metric := range r.mu.tracked {
		metric.Inspect(func(v interface{}) {
			f(name, v)
		})
	}
}

// GetCounter returns the Counter with the given name, or nil if no Counter
// with that name is registered.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, _ := r.mu.tracked[name].(*Counter)
	return c
}

// GetGauge returns the Gauge with the given name, or nil if no Gauge with
// that name is registered.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, _ := r.mu.tracked[name].(*Gauge)
	return g
}

// exportedName transforms a metric name into one accepted by prometheus.
func exportedName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// Gather implements prometheus.Gatherer. It returns one metric family per
// tracked exportable metric, sorted by name.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	families := make([]*dto.MetricFamily, 0, len(r.mu.tracked))
	for _, metric := range r.mu.tracked {
		prom, ok := metric.(PrometheusExportable)
		if !ok {
			continue
		}
		name := exportedName(prom.GetName())
		help := prom.GetHelp()
		families = append(families, &dto.MetricFamily{
			Name:   &name,
			Help:   &help,
			Type:   prom.GetType(),
			Metric: []*dto.Metric{prom.ToPrometheusMetric()},
		})
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families, nil
}
