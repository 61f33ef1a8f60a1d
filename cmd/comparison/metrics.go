package comparison

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Bucket kinds reported to metrics.
const (
	BucketKindLeaf  = "leaf"
	BucketKindSplit = "split"
)

// MetricsRecorder observes comparison runs.
type MetricsRecorder interface {
	RunFinished(algorithm Algorithm, stage Stage, duration time.Duration)
	BucketProcessed(kind string, duration time.Duration)
	BucketRetried(op string)
	DiffRowsWritten(n int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RunFinished(Algorithm, Stage, time.Duration) {}
func (NopMetrics) BucketProcessed(string, time.Duration)       {}
func (NopMetrics) BucketRetried(string)                        {}
func (NopMetrics) DiffRowsWritten(int64)                       {}

// PrometheusMetrics records comparison metrics on a private registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	bucketsTotal   *prometheus.CounterVec
	bucketDuration *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	diffRowsTotal  prometheus.Counter
}

// NewPrometheusMetrics creates a recorder with Go and process collectors registered.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &PrometheusMetrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "data_compare_runs_total",
			Help: "Comparison runs by algorithm and final stage.",
		}, []string{"algorithm", "stage"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "data_compare_run_duration_seconds",
			Help:    "Duration of comparison runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"algorithm"}),
		bucketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "data_compare_buckets_total",
			Help: "Buckets processed by kind (leaf or split).",
		}, []string{"kind"}),
		bucketDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "data_compare_bucket_duration_seconds",
			Help:    "Time spent per bucket.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "data_compare_bucket_retries_total",
			Help: "Bucket statement retries by operation.",
		}, []string{"op"}),
		diffRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "data_compare_diff_rows_total",
			Help: "Differing rows written to results tables.",
		}),
	}

	registry.MustRegister(m.runsTotal)
	registry.MustRegister(m.runDuration)
	registry.MustRegister(m.bucketsTotal)
	registry.MustRegister(m.bucketDuration)
	registry.MustRegister(m.retriesTotal)
	registry.MustRegister(m.diffRowsTotal)
	return m
}

// Registry returns the registry backing the recorder.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RunFinished(algorithm Algorithm, stage Stage, duration time.Duration) {
	m.runsTotal.WithLabelValues(string(algorithm), string(stage)).Inc()
	m.runDuration.WithLabelValues(string(algorithm)).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) BucketProcessed(kind string, duration time.Duration) {
	m.bucketsTotal.WithLabelValues(kind).Inc()
	m.bucketDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) BucketRetried(op string) {
	m.retriesTotal.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) DiffRowsWritten(n int64) {
	m.diffRowsTotal.Add(float64(n))
}
