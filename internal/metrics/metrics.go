// Package metrics exposes Prometheus instrumentation for keepsake. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/storage"
)

const namespace = "keepsake"

// Recorder holds every collector on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	ops            *prometheus.CounterVec
	evicted        *prometheus.CounterVec
	freed          *prometheus.CounterVec
	memoryFallback prometheus.Counter
	autosaves      *prometheus.CounterVec
	usage          *prometheus.GaugeVec
	warnings       prometheus.Counter
}

// New registers the keepsake collectors plus the Go runtime collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Backend operations by outcome.",
		}, []string{"op", "backend", "result"}),
		evicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_records_total",
			Help:      "Records removed by capacity strategies.",
		}, []string{"backend", "strategy"}),
		freed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_bytes_total",
			Help:      "Bytes freed by capacity strategies.",
		}, []string{"backend"}),
		memoryFallback: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_fallback_writes_total",
			Help:      "Writes kept only in process memory.",
		}),
		autosaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_writes_total",
			Help:      "Deferred writes by entity type and outcome.",
		}, []string{"type", "result"}),
		usage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_usage_percent",
			Help:      "Used share of capacity per backend.",
		}, []string{"backend"}),
		warnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_warnings_total",
			Help:      "Usage threshold warnings emitted.",
		}),
	}
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// result maps an operation error to a low-cardinality label.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	if code := storage.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	if errors.Is(err, capacity.ErrExhausted) {
		return "exhausted"
	}
	return "error"
}

// ObserveOp counts one backend operation.
func (r *Recorder) ObserveOp(op, backend string, err error) {
	if r == nil {
		return
	}
	r.ops.WithLabelValues(op, backend, result(err)).Inc()
}

// ObserveEviction records one strategy run.
func (r *Recorder) ObserveEviction(backend, strategy string, removed int, freed int64) {
	if r == nil || removed == 0 {
		return
	}
	r.evicted.WithLabelValues(backend, strategy).Add(float64(removed))
	r.freed.WithLabelValues(backend).Add(float64(freed))
}

// ObserveMemoryFallback counts a write that degraded to process memory.
func (r *Recorder) ObserveMemoryFallback(string) {
	if r == nil {
		return
	}
	r.memoryFallback.Inc()
}

// ObserveAutosave counts one deferred write.
func (r *Recorder) ObserveAutosave(entityType string, err error) {
	if r == nil {
		return
	}
	r.autosaves.WithLabelValues(entityType, result(err)).Inc()
}

// SetUsage publishes usage percentages.
func (r *Recorder) SetUsage(info storage.CombinedInfo) {
	if r == nil {
		return
	}
	r.usage.WithLabelValues("primary").Set(info.Primary.Percentage)
	r.usage.WithLabelValues("fallback").Set(info.Fallback.Percentage)
	r.usage.WithLabelValues("combined").Set(info.Combined.Percentage)
}

// ObserveWarning counts a capacity warning and refreshes usage gauges.
func (r *Recorder) ObserveWarning(w capacity.Warning) {
	if r == nil {
		return
	}
	r.warnings.Inc()
	r.SetUsage(w.Info)
}
