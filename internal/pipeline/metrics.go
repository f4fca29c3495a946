// Prometheus collectors for the harvest pipeline.
package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetchedTotal *prometheus.CounterVec
	llmCallsTotal     *prometheus.CounterVec
	rowsAppendedTotal prometheus.Counter
	duplicatesTotal   prometheus.Counter
	itemErrorsTotal   *prometheus.CounterVec
	activeWorkers     prometheus.Gauge

	metricsOnce sync.Once
)

// InitMetrics registers the pipeline's Prometheus collectors. Safe to call
// multiple times.
func InitMetrics() {
	metricsOnce.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobharvest_pages_fetched_total",
				Help: "Total pages fetched through the extraction service, labeled by kind.",
			},
			[]string{"kind"},
		)
		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobharvest_llm_calls_total",
				Help: "Total completion calls, labeled by schema and outcome.",
			},
			[]string{"schema", "outcome"},
		)
		rowsAppendedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobharvest_rows_appended_total",
				Help: "Total rows appended to the sink.",
			},
		)
		duplicatesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobharvest_duplicates_total",
				Help: "Total postings skipped as duplicates.",
			},
		)
		itemErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobharvest_item_errors_total",
				Help: "Total isolated item failures, labeled by scope.",
			},
			[]string{"scope"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobharvest_active_workers",
				Help: "Workers currently processing a job URL.",
			},
		)
	})
}

// ObservePageFetched counts one fetched page of the given kind
// ("careers" or "job").
func ObservePageFetched(kind string) {
	if pagesFetchedTotal != nil {
		pagesFetchedTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveLLMCall counts one completion call outcome for a schema.
func ObserveLLMCall(schema SchemaName, outcome string) {
	if llmCallsTotal != nil {
		llmCallsTotal.WithLabelValues(string(schema), outcome).Inc()
	}
}

// ObserveRowsAppended counts rows written to the sink.
func ObserveRowsAppended(n int) {
	if rowsAppendedTotal != nil && n > 0 {
		rowsAppendedTotal.Add(float64(n))
	}
}

// ObserveDuplicate counts a posting skipped as already seen.
func ObserveDuplicate() {
	if duplicatesTotal != nil {
		duplicatesTotal.Inc()
	}
}

// ObserveItemError counts an isolated failure in the given scope.
func ObserveItemError(scope string) {
	if itemErrorsTotal != nil {
		itemErrorsTotal.WithLabelValues(scope).Inc()
	}
}

func metricActiveWorkers(delta float64) {
	if activeWorkers != nil {
		activeWorkers.Add(delta)
	}
}
