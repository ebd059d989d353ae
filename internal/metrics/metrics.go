// Package metrics registers the Prometheus collectors of the sync daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsFinished counts upload attempts by outcome
	// (success, retry, fatal, cancelled).
	UploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_uploads_finished_total",
			Help: "Upload operation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ChunksUploaded counts chunks acknowledged by the server.
	ChunksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivesync_chunks_uploaded_total",
		Help: "Chunks acknowledged by the server",
	})

	// ChunkRetries counts chunks re-issued after a cancelled or lost
	// connection.
	ChunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivesync_chunk_retries_total",
		Help: "Chunks re-issued within the same session",
	})

	// BytesUploaded counts payload bytes acknowledged by the server.
	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivesync_uploaded_bytes_total",
		Help: "Payload bytes acknowledged by the server",
	})

	// QueuePending is the number of tasks known to the queue that have not
	// reached a terminal state.
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drivesync_queue_pending",
		Help: "Upload tasks not yet finished",
	})

	// QueueRunning is the number of operations currently executing.
	QueueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drivesync_queue_running",
		Help: "Upload operations currently executing",
	})

	// ActivityPasses counts activity reconciliation passes by result.
	ActivityPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_activity_passes_total",
			Help: "Activity reconciliation passes by result",
		},
		[]string{"result"},
	)

	// ActivitiesApplied counts cache changes made by activity passes.
	ActivitiesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_activities_applied_total",
			Help: "Cache records changed by activities",
		},
		[]string{"change"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_http_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivesync_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveHTTP records one control API request. route must be a pattern,
// not the raw path, to keep label cardinality bounded.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

// NewStatusRecorder wraps w with a default status of 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *StatusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
