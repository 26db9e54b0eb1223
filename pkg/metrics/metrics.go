// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "convodb"

var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_appended_total",
		Help:      "Messages durably appended to the message log.",
	})

	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_write_failures_total",
		Help:      "Writes rejected by the backend, by table.",
	}, []string{"table"})

	// Sends counts terminal send states.
	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "SendMessage calls by terminal state.",
	}, []string{"state"})

	FanoutWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_writes_total",
		Help:      "Per-participant index writes by result (ok, failed, timeout).",
	}, []string{"result"})

	// DuplicatesMasked counts superseded index rows hidden by dedup on read.
	DuplicatesMasked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_duplicates_masked_total",
		Help:      "Superseded conversation index rows skipped while listing conversations.",
	})

	RetryEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_enqueued_total",
		Help:      "Index writes handed to the retry queue.",
	})
	RetryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_dropped_total",
		Help:      "Retry tasks rejected because the queue was full or closed.",
	})
	RetrySucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_succeeded_total",
		Help:      "Retry tasks that eventually applied.",
	})
	RetryAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_abandoned_total",
		Help:      "Retry tasks given up after the maximum number of attempts.",
	})
	RetryDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retry_queue_depth",
		Help:      "Retry tasks currently buffered in memory.",
	})

	CompactionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compaction_runs_total",
		Help:      "Compaction runs by result.",
	}, []string{"result"})
	CompactionRowsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compaction_rows_deleted_total",
		Help:      "Superseded index rows removed by compaction.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})
)
