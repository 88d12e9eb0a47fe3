package timeseries

import "github.com/zeromicro/go-zero/core/metric"

const metricNamespace = "tickstore"

var (
	policyDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: metricNamespace,
		Subsystem: "policy",
		Name:      "duration_ms",
		Help:      "policy application duration in milliseconds",
		Labels:    []string{"policy"},
		Buckets:   []float64{5, 25, 100, 250, 1000, 5000, 30000},
	})
	policyErrors = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "policy",
		Name:      "errors_total",
		Help:      "policy application failures",
		Labels:    []string{"policy"},
	})

	queryDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: metricNamespace,
		Subsystem: "query",
		Name:      "duration_ms",
		Help:      "time-range query duration in milliseconds, first row to close",
		Labels:    []string{"table", "source"},
		Buckets:   []float64{1, 5, 25, 100, 250, 1000, 5000},
	})
	queryErrors = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "query",
		Name:      "errors_total",
		Help:      "time-range query failures",
		Labels:    []string{"table", "retryable"},
	})

	upsertDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: metricNamespace,
		Subsystem: "upsert",
		Name:      "duration_ms",
		Help:      "bulk upsert duration in milliseconds",
		Labels:    []string{"table"},
		Buckets:   []float64{1, 5, 25, 100, 250, 1000, 5000},
	})
	upsertRows = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "upsert",
		Name:      "rows_total",
		Help:      "rows written by bulk upserts",
		Labels:    []string{"table"},
	})
	upsertErrors = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "upsert",
		Name:      "errors_total",
		Help:      "bulk upsert failures",
		Labels:    []string{"table", "retryable"},
	})
)

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
