// Package metrics exposes sync engine counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connector"

// Metrics holds the engine's collectors
type Metrics struct {
	registry *prometheus.Registry

	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	records      *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	batchFlushes *prometheus.CounterVec
	itemErrors   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	inFlight     prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed sync passes by source type and status.",
		}, []string{"source_type", "status"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"source_type"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Candidate records by classification.",
		}, []string{"source_type", "class"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Admission requests rejected by the governor.",
		}, []string{"source_type", "reason"}),
		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Batch writes issued to the store.",
		}, []string{"endpoint_id"}),
		itemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_item_errors_total",
			Help:      "Records that failed after all item retries.",
		}, []string{"endpoint_id"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per source type (0 closed, 1 half-open, 2 open).",
		}, []string{"source_type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "passes_in_flight",
			Help:      "Passes currently holding an admission permit.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.passes,
		m.passDuration,
		m.records,
		m.rejections,
		m.batchFlushes,
		m.itemErrors,
		m.breakerState,
		m.inFlight,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObservePass records a finished pass
func (m *Metrics) ObservePass(sourceType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(sourceType, status).Inc()
	m.passDuration.WithLabelValues(sourceType).Observe(d.Seconds())
}

// AddRecords counts classified candidates
func (m *Metrics) AddRecords(sourceType, class string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(sourceType, class).Add(float64(n))
}

// Rejected counts an admission rejection
func (m *Metrics) Rejected(sourceType, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(sourceType, reason).Inc()
}

// Flushed counts a batch write and its failed items
func (m *Metrics) Flushed(endpointID string, errored int) {
	if m == nil {
		return
	}
	m.batchFlushes.WithLabelValues(endpointID).Inc()
	if errored > 0 {
		m.itemErrors.WithLabelValues(endpointID).Add(float64(errored))
	}
}

// SetBreakerState publishes the breaker state as a number
func (m *Metrics) SetBreakerState(sourceType string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(sourceType).Set(float64(state))
}

// InFlight adjusts the in-flight pass gauge by delta
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}
