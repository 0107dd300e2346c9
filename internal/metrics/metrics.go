// Package metrics holds the prometheus collectors describing the engine itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LinesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "lines_ingested_total",
		Help:      "Log lines received from the source",
	})

	LinesMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "lines_matched_total",
		Help:      "Filter matches produced by the matcher",
	})

	RegistryRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "registry_refreshes_total",
		Help:      "Filter registry refreshes by result",
	}, []string{"result"})

	RegistryFilters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filterd",
		Name:      "registry_filters",
		Help:      "Filters in the active registry snapshot",
	})

	Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "flushes_total",
		Help:      "Batch flushes by stage and result",
	}, []string{"stage", "result"})

	FlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filterd",
		Name:      "flush_duration_seconds",
		Help:      "Time spent delivering one batch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"stage"})

	PoolDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "pool_dropped_total",
		Help:      "Background jobs dropped because the worker queue was full",
	})

	ClassifierTrained = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "classifier_trained_total",
		Help:      "Samples trained by label",
	}, []string{"label"})

	ClassifierErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "classifier_errors_total",
		Help:      "Lines classified as error",
	})

	OutlierScans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "outlier_checks_total",
		Help:      "Per-filter outlier checks by result",
	}, []string{"result"})

	OutliersEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "outliers_emitted_total",
		Help:      "Validated outliers emitted",
	})

	LiveFilters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "filterd",
		Name:      "live_filters",
		Help:      "Filters seen within the staleness window per partition",
	}, []string{"partition"})

	PanicsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filterd",
		Name:      "panics_recovered_total",
		Help:      "Panics recovered at the line processing boundary",
	})
)

func init() {
	prometheus.MustRegister(
		LinesIngested,
		LinesMatched,
		RegistryRefreshes,
		RegistryFilters,
		Flushes,
		FlushDuration,
		PoolDropped,
		ClassifierTrained,
		ClassifierErrors,
		OutlierScans,
		OutliersEmitted,
		LiveFilters,
		PanicsRecovered,
	)
}
