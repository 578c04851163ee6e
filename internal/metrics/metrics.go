package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "snapreport"

// Merge source outcomes
const (
	OutcomeLoaded = "loaded"
	OutcomeFailed = "failed"
)

// Metrics holds the collectors of one report run. Each instance has its own
// registry so several runs in one process do not clash. All methods are safe
// to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	resultsProcessed *prometheus.CounterVec
	resultsFailed    prometheus.Counter
	rowsSkipped      prometheus.Counter
	mergeSources     *prometheus.CounterVec
	queuePending     prometheus.Gauge
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		resultsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "results_processed_total",
			Help:      "Test results added to the tree, by status",
		}, []string{"status"}),
		resultsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "results_failed_total",
			Help:      "Test results that could not be saved or added to the tree",
		}),
		rowsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_skipped_total",
			Help:      "Persisted rows skipped because they could not be decoded",
		}),
		mergeSources: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "merge_sources_total",
			Help:      "Source reports seen by merges, by outcome",
		}, []string{"outcome"}),
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_pending",
			Help:      "Runner events waiting to be processed",
		}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ResultProcessed(status string) {
	if m == nil {
		return
	}
	m.resultsProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) ResultFailed() {
	if m == nil {
		return
	}
	m.resultsFailed.Inc()
}

func (m *Metrics) RowsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsSkipped.Add(float64(n))
}

func (m *Metrics) MergeSource(outcome string) {
	if m == nil {
		return
	}
	m.mergeSources.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueAdd(delta int) {
	if m == nil {
		return
	}
	m.queuePending.Add(float64(delta))
}
