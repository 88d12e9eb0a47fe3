package ingest

import "github.com/zeromicro/go-zero/core/metric"

const (
	outcomeStored       = "stored"
	outcomeDeadLettered = "dead_lettered"
	outcomeDropped      = "dropped"
)

var (
	messagesTotal = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "tickstore",
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "consumed messages by outcome",
		Labels:    []string{"topic", "outcome"},
	})
	retriesTotal = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "tickstore",
		Subsystem: "ingest",
		Name:      "retries_total",
		Help:      "batch store retries after retryable failures",
		Labels:    []string{"topic"},
	})
	batchDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: "tickstore",
		Subsystem: "ingest",
		Name:      "batch_duration_ms",
		Help:      "time to store and commit one batch in milliseconds",
		Labels:    []string{"topic"},
		Buckets:   []float64{5, 25, 100, 250, 1000, 5000, 30000},
	})
)
