// Package metrics exposes the dispatcher's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts accepted submissions by queue.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_jobs_submitted_total",
		Help: "Jobs accepted by the submission gateway, labeled by queue.",
	}, []string{"queue"})

	// LeasesGranted counts leases handed to workers.
	LeasesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_leases_granted_total",
		Help: "Job leases granted to polling workers.",
	})

	// JobsFinished counts terminal transitions by final status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})

	// JobsRequeued counts retry requeues after worker errors or expiry.
	JobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_jobs_requeued_total",
		Help: "Jobs returned to the queue for another attempt.",
	}, []string{"reason"})

	// ProcessingSeconds tracks successful end-to-end processing time.
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_job_processing_seconds",
		Help:    "Wall time from lease grant to accepted result.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// EventStreams gauges open SSE subscriptions.
	EventStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_event_streams_open",
		Help: "Currently open job event streams.",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
