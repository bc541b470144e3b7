// Package metrics provides Prometheus metrics for the Audience Engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the Audience Engine.
type Metrics struct {
	// Orchestration metrics
	OrchestrationTurns     *prometheus.CounterVec
	OrchestrationsFailed   *prometheus.CounterVec
	OrchestrationsRunning  prometheus.Gauge
	ExternalEventsRaised   *prometheus.CounterVec
	TimersFired            prometheus.Counter
	ContinueAsNewTotal     *prometheus.CounterVec

	// Activity metrics
	ActivitiesExecuted *prometheus.CounterVec
	ActivitiesFailed   *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec
	ActivityDuration   *prometheus.HistogramVec
	WorkerQueueDepth   prometheus.Gauge

	// Pipeline metrics
	BuildsCompleted  *prometheus.CounterVec
	BuildsFailed     *prometheus.CounterVec
	DevicesFinalized *prometheus.CounterVec
	SnapshotFiles    *prometheus.HistogramVec

	// Upload metrics
	UploadBatches  *prometheus.CounterVec
	UploadSkipped  *prometheus.CounterVec
	UploadDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "audience_engine"
	}

	m := &Metrics{
		OrchestrationTurns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestration_turns_total",
				Help:      "Total number of orchestration executions (initial runs and replays)",
			},
			[]string{"orchestrator"},
		),
		OrchestrationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestrations_failed_total",
				Help:      "Total number of orchestrations that ended in failure",
			},
			[]string{"orchestrator"},
		),
		OrchestrationsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orchestrations_running",
				Help:      "Number of orchestration instances currently running",
			},
		),
		ExternalEventsRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_events_raised_total",
				Help:      "Total number of external events raised",
			},
			[]string{"event"},
		),
		TimersFired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timers_fired_total",
				Help:      "Total number of durable timers fired",
			},
		),
		ContinueAsNewTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continue_as_new_total",
				Help:      "Total number of continue-as-new history truncations",
			},
			[]string{"orchestrator"},
		),
		ActivitiesExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_executed_total",
				Help:      "Total number of activity executions",
			},
			[]string{"activity"},
		),
		ActivitiesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_failed_total",
				Help:      "Total number of activity executions that failed after retries",
			},
			[]string{"activity"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of activity retry attempts",
			},
			[]string{"activity"},
		),
		ActivityDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Wall time of a single activity execution",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			[]string{"activity"},
		),
		WorkerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of activity invocations in the worker queue",
			},
		),
		BuildsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of audience builds completed",
			},
			[]string{"audience"},
		),
		BuildsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_failed_total",
				Help:      "Total number of audience builds that failed",
			},
			[]string{"audience"},
		),
		DevicesFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "devices_finalized_total",
				Help:      "Total number of device IDs written to canonical snapshots",
			},
			[]string{"audience"},
		),
		SnapshotFiles: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_files",
				Help:      "Number of files per finalized snapshot",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1 to ~512
			},
			[]string{"audience"},
		),
		UploadBatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_batches_total",
				Help:      "Total number of platform upload batches sent",
			},
			[]string{"platform"},
		),
		UploadSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_skipped_total",
				Help:      "Total number of uploads skipped (no data or disabled)",
			},
			[]string{"platform"},
		),
		UploadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Wall time of a full platform upload",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"platform"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncOrchestrationTurns increments the orchestration turn counter.
func (m *Metrics) IncOrchestrationTurns(orchestrator string) {
	m.OrchestrationTurns.WithLabelValues(orchestrator).Inc()
}

// IncOrchestrationsFailed increments the failed orchestration counter.
func (m *Metrics) IncOrchestrationsFailed(orchestrator string) {
	m.OrchestrationsFailed.WithLabelValues(orchestrator).Inc()
}

// IncExternalEventsRaised increments the raised-event counter.
func (m *Metrics) IncExternalEventsRaised(event string) {
	m.ExternalEventsRaised.WithLabelValues(event).Inc()
}

// IncContinueAsNew increments the continue-as-new counter.
func (m *Metrics) IncContinueAsNew(orchestrator string) {
	m.ContinueAsNewTotal.WithLabelValues(orchestrator).Inc()
}

// IncActivitiesExecuted increments the activity execution counter.
func (m *Metrics) IncActivitiesExecuted(activity string) {
	m.ActivitiesExecuted.WithLabelValues(activity).Inc()
}

// IncActivitiesFailed increments the failed activity counter.
func (m *Metrics) IncActivitiesFailed(activity string) {
	m.ActivitiesFailed.WithLabelValues(activity).Inc()
}

// IncRetryAttempts increments the activity retry counter.
func (m *Metrics) IncRetryAttempts(activity string) {
	m.RetryAttempts.WithLabelValues(activity).Inc()
}

// ObserveActivityDuration records the wall time of an activity execution.
func (m *Metrics) ObserveActivityDuration(activity string, seconds float64) {
	m.ActivityDuration.WithLabelValues(activity).Observe(seconds)
}

// IncBuildsCompleted increments the completed build counter.
func (m *Metrics) IncBuildsCompleted(audience string) {
	m.BuildsCompleted.WithLabelValues(audience).Inc()
}

// IncBuildsFailed increments the failed build counter.
func (m *Metrics) IncBuildsFailed(audience string) {
	m.BuildsFailed.WithLabelValues(audience).Inc()
}

// AddDevicesFinalized adds to the finalized device counter.
func (m *Metrics) AddDevicesFinalized(audience string, count float64) {
	m.DevicesFinalized.WithLabelValues(audience).Add(count)
}

// ObserveSnapshotFiles records the file count of a finalized snapshot.
func (m *Metrics) ObserveSnapshotFiles(audience string, files float64) {
	m.SnapshotFiles.WithLabelValues(audience).Observe(files)
}

// IncUploadBatches increments the platform upload batch counter.
func (m *Metrics) IncUploadBatches(platform string) {
	m.UploadBatches.WithLabelValues(platform).Inc()
}

// IncUploadSkipped increments the skipped upload counter.
func (m *Metrics) IncUploadSkipped(platform string) {
	m.UploadSkipped.WithLabelValues(platform).Inc()
}

// ObserveUploadDuration records the wall time of a platform upload.
func (m *Metrics) ObserveUploadDuration(platform string, seconds float64) {
	m.UploadDuration.WithLabelValues(platform).Observe(seconds)
}
