// Package metrics provides Prometheus metrics for the econpipe analysis pipeline.
package metrics

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Latency buckets in milliseconds; fits range from sub-millisecond OLS to
// multi-second demeaning on large panels.
var defaultLatencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} //nolint:gochecknoglobals // constant bucket layout

// Manager manages all Prometheus metrics for the pipeline.
type Manager struct {
	namespace    string
	subsystem    string
	customLabels map[string]string
	registry     prometheus.Registerer

	// Loading
	datasetsLoaded *prometheus.CounterVec
	rowsLoaded     prometheus.Counter
	rowsDropped    prometheus.Counter
	rowsSampled    prometheus.Counter
	loadLatency    prometheus.Histogram

	// Binning
	binsEmitted prometheus.Counter

	// Estimation
	fitsTotal      *prometheus.CounterVec
	fitLatency     *prometheus.HistogramVec
	groupsFailed   *prometheus.CounterVec
	bandwidthLast  *prometheus.GaugeVec
	feIterations   prometheus.Histogram
	analysesTotal  *prometheus.CounterVec
	analysisLatest prometheus.Gauge

	// Queue / workers
	queueSize         prometheus.Gauge
	queueCapacity     prometheus.Gauge
	queueEnqueued     prometheus.Counter
	queueRejected     *prometheus.CounterVec
	workerActive      prometheus.Gauge
	workerBusy        prometheus.Gauge
	workerTaskTotal   *prometheus.CounterVec
	workerTaskLatency prometheus.Histogram

	// Export
	exportsTotal *prometheus.CounterVec

	// Errors
	errorsByComponent *prometheus.CounterVec
}

const defaultNamespace = "econpipe"

// validName matches Prometheus namespace and label names.
var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`) //nolint:gochecknoglobals // compiled once

// Label names used by the collectors; constant labels may not reuse them.
var variableLabels = map[string]struct{}{ //nolint:gochecknoglobals // fixed label set
	"format": {}, "status": {}, "kind": {}, "kernel": {}, "reason": {}, "mode": {}, "component": {},
}

// Statuses recorded on the status label of outcome counters.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:    defaultNamespace,
		subsystem:    "pipeline",
		customLabels: make(map[string]string),
		registry:     prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// Configure replaces the global manager with one built from opts on a fresh
// registry. Call it once at startup, before anything is recorded; metrics
// recorded earlier are discarded.
func Configure(opts ...Option) error {
	check := &Manager{namespace: defaultNamespace}
	for _, opt := range opts {
		opt(check)
	}
	if !validName.MatchString(check.namespace) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidName, check.namespace)
	}
	for k := range check.customLabels {
		if _, taken := variableLabels[k]; taken || !validName.MatchString(k) || strings.HasPrefix(k, "__") {
			return fmt.Errorf("%w: label %q", ErrInvalidName, k)
		}
	}

	registry := prometheus.NewRegistry()
	manager := NewManager(append(opts, WithPrometheusRegistry(registry))...)
	customRegistry = registry
	globalManager = manager
	return nil
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	constLabels := prometheus.Labels(m.customLabels)

	m.datasetsLoaded = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "datasets_loaded_total",
		Help: "Datasets loaded by format and outcome",
	}, []string{"format", "status"})

	m.rowsLoaded = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "rows_loaded_total",
		Help: "Observations accepted by the loader",
	})

	m.rowsDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "rows_dropped_total",
		Help: "Rows skipped for missing values in declared columns",
	})

	m.rowsSampled = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "rows_sampled_total",
		Help: "Observations kept after sampling",
	})

	m.loadLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    "load_latency_milliseconds",
		Help:    "Dataset load latency in milliseconds",
		Buckets: defaultLatencyBuckets,
	})

	m.binsEmitted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "bins_emitted_total",
		Help: "Non-empty bins produced by the binner",
	})

	m.fitsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "fits_total",
		Help: "Model fits by estimator kind and status",
	}, []string{"kind", "status"})

	m.fitLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    "fit_latency_milliseconds",
		Help:    "Model fit latency in milliseconds by estimator kind",
		Buckets: defaultLatencyBuckets,
	}, []string{"kind"})

	m.groupsFailed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "groups_failed_total",
		Help: "Per-group evaluations recorded as failure markers, by error kind",
	}, []string{"kind"})

	m.bandwidthLast = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "bandwidth_last",
		Help: "Most recent bandwidth chosen by the local polynomial estimator",
	}, []string{"kernel"})

	m.feIterations = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    "fe_demean_iterations",
		Help:    "Alternating-projection sweeps needed by the fixed-effects estimator",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	m.analysesTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "analyses_total",
		Help: "Analyses run by outcome",
	}, []string{"status"})

	m.analysisLatest = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "analysis_last_completed_unix",
		Help: "Unix time of the last completed analysis",
	})

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "queue_size",
		Help: "Fit jobs waiting in the queue",
	})

	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "queue_capacity",
		Help: "Capacity of the fit job queue",
	})

	m.queueEnqueued = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "queue_enqueued_total",
		Help: "Fit jobs accepted by the queue",
	})

	m.queueRejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "queue_rejected_total",
		Help: "Fit jobs rejected by the queue, by reason",
	}, []string{"reason"})

	m.workerActive = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "workers_active",
		Help: "Workers running in the pool",
	})

	m.workerBusy = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "workers_busy",
		Help: "Workers currently executing a fit job",
	})

	m.workerTaskTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "worker_tasks_total",
		Help: "Tasks executed by pool workers, by where they ran",
	}, []string{"mode"})

	m.workerTaskLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    "worker_task_latency_milliseconds",
		Help:    "Time from dequeue to completion of a task",
		Buckets: defaultLatencyBuckets,
	})

	m.exportsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "exports_total",
		Help: "Report exports by format and outcome",
	}, []string{"format", "status"})

	m.errorsByComponent = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: "errors_total",
		Help: "Errors by component and kind",
	}, []string{"component", "kind"})
}

// Loading.

// RecordDatasetLoaded counts a load attempt.
func RecordDatasetLoaded(format, status string) {
	globalManager.datasetsLoaded.WithLabelValues(format, status).Inc()
}

// RecordRows records accepted and dropped row counts for one load.
func RecordRows(loaded, dropped int) {
	globalManager.rowsLoaded.Add(float64(loaded))
	globalManager.rowsDropped.Add(float64(dropped))
}

// RecordRowsSampled records rows kept after sampling.
func RecordRowsSampled(n int) {
	globalManager.rowsSampled.Add(float64(n))
}

// RecordLoadLatency records load latency in milliseconds.
func RecordLoadLatency(latencyMs float64) {
	globalManager.loadLatency.Observe(latencyMs)
}

// Binning.

// RecordBinsEmitted adds to the emitted bins counter.
func RecordBinsEmitted(n int) {
	globalManager.binsEmitted.Add(float64(n))
}

// Estimation.

// RecordFit counts a fit and records its latency.
func RecordFit(kind, status string, latencyMs float64) {
	globalManager.fitsTotal.WithLabelValues(kind, status).Inc()
	globalManager.fitLatency.WithLabelValues(kind).Observe(latencyMs)
}

// RecordGroupFailure counts a per-group failure marker.
func RecordGroupFailure(kind string) {
	globalManager.groupsFailed.WithLabelValues(kind).Inc()
}

// UpdateBandwidth sets the last selected bandwidth for a kernel.
func UpdateBandwidth(kernel string, h float64) {
	globalManager.bandwidthLast.WithLabelValues(kernel).Set(h)
}

// RecordDemeanIterations records alternating-projection sweeps.
func RecordDemeanIterations(n int) {
	globalManager.feIterations.Observe(float64(n))
}

// RecordAnalysis counts a finished analysis.
func RecordAnalysis(status string) {
	globalManager.analysesTotal.WithLabelValues(status).Inc()
	if status == StatusOK {
		globalManager.analysisLatest.SetToCurrentTime()
	}
}

// Queue / workers.

// UpdateQueueSize sets the current queue depth.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue counts an accepted job.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueRejected counts a rejected job.
func RecordQueueRejected(reason string) {
	globalManager.queueRejected.WithLabelValues(reason).Inc()
}

// UpdateWorkerActiveCount sets the pool size.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActive.Set(float64(count))
}

// WorkerBusy adjusts the busy worker gauge by delta.
func WorkerBusy(delta int) {
	globalManager.workerBusy.Add(float64(delta))
}

// RecordWorkerTask counts a task and its latency; mode is "pool" or "inline".
func RecordWorkerTask(mode string, latencyMs float64) {
	globalManager.workerTaskTotal.WithLabelValues(mode).Inc()
	globalManager.workerTaskLatency.Observe(latencyMs)
}

// Export.

// RecordExport counts an export.
func RecordExport(format, status string) {
	globalManager.exportsTotal.WithLabelValues(format, status).Inc()
}

// Errors.

// RecordError counts an error by component and kind.
func RecordError(component, kind string) {
	globalManager.errorsByComponent.WithLabelValues(component, kind).Inc()
}

// GetRegistry returns the custom registry holding all pipeline metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// WriteTextfile dumps the registry in the text exposition format, the usual
// hand-off for batch jobs scraped through a node exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, customRegistry); err != nil {
		return fmt.Errorf("%w: %w", ErrObserveFailed, err)
	}
	return nil
}
