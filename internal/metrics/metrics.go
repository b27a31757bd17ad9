// Package metrics exposes Prometheus collectors for the pipeline workers.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storiesTotal            *prometheus.CounterVec
	messageDurationSeconds  *prometheus.HistogramVec
	sentMessagesTotal       *prometheus.CounterVec
	filesTotal              *prometheus.CounterVec
	archivesTotal           *prometheus.CounterVec
	backpressurePausesTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		storiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stories_total",
				Help: "Stories that reached a terminal outcome, labeled by worker and status.",
			},
			[]string{"worker", "status"},
		)

		messageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_message_duration_seconds",
				Help:    "Histogram of per-message processing latencies, labeled by worker and status.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"worker", "status"},
		)

		sentMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_sent_messages_total",
				Help: "Messages published, labeled by worker and destination.",
			},
			[]string{"worker", "dest"},
		)

		filesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_files_total",
				Help: "Source files processed by queuers, labeled by worker and status.",
			},
			[]string{"worker", "status"},
		)

		archivesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_archives_total",
				Help: "Archive files written and uploaded, labeled by worker.",
			},
			[]string{"worker"},
		)

		backpressurePausesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_backpressure_pauses_total",
				Help: "Times a worker paused consuming because an output queue crossed its high-water mark.",
			},
			[]string{"worker"},
		)
	})
}

// Stats is the per-worker recording surface handed to the runtime and the
// stage implementations. An interface so tests can count terminal outcomes
// without scraping collectors.
type Stats interface {
	// IncrStories must be called exactly once per story reaching a
	// terminal outcome.
	IncrStories(status string)
	ObserveMessage(status string, d time.Duration)
	IncrSent(dest string)
	IncrFiles(status string)
	IncrArchives()
	IncrBackpressurePauses()
}

// WorkerStats implements Stats on the package collectors, tagged with a
// worker name.
type WorkerStats struct {
	worker string
}

// ForWorker returns a Stats bound to the given worker name.
func ForWorker(worker string) *WorkerStats {
	Init()
	return &WorkerStats{worker: worker}
}

// IncrStories increments the terminal-outcome story counter.
func (s *WorkerStats) IncrStories(status string) {
	storiesTotal.WithLabelValues(s.worker, status).Inc()
}

// ObserveMessage records one message's processing latency.
func (s *WorkerStats) ObserveMessage(status string, d time.Duration) {
	messageDurationSeconds.WithLabelValues(s.worker, status).Observe(d.Seconds())
}

// IncrSent increments the published-message counter.
func (s *WorkerStats) IncrSent(dest string) {
	sentMessagesTotal.WithLabelValues(s.worker, dest).Inc()
}

// IncrFiles increments the queuer source-file counter.
func (s *WorkerStats) IncrFiles(status string) {
	filesTotal.WithLabelValues(s.worker, status).Inc()
}

// IncrArchives increments the archive-written counter.
func (s *WorkerStats) IncrArchives() {
	archivesTotal.WithLabelValues(s.worker).Inc()
}

// IncrBackpressurePauses increments the backpressure pause counter.
func (s *WorkerStats) IncrBackpressurePauses() {
	backpressurePausesTotal.WithLabelValues(s.worker).Inc()
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
