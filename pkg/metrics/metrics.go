package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolAcquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lci_pool_acquire_wait_seconds",
			Help:    "Time a caller spent blocked in Pool.Acquire before being granted its tokens",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	PoolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lci_pool_available_tokens",
			Help: "Tokens currently available (not leased) per resource key",
		},
		[]string{"resource"},
	)

	// Job manager metrics
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lci_jobs_in_flight",
			Help: "Number of jobs currently enqueued or executing",
		},
	)

	JobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lci_jobs_started_total",
			Help: "Total number of jobs dispatched to a worker, by test name",
		},
		[]string{"test"},
	)

	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lci_jobs_cancelled_total",
			Help: "Total number of jobs that received a cancellation signal, by test name",
		},
		[]string{"test"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lci_jobs_failed_total",
			Help: "Total number of jobs that ended in a VCS or subprocess-spawn error, by test name",
		},
		[]string{"test"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lci_job_duration_seconds",
			Help:    "Wall-clock time a job's subprocess ran for, by test name",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"test"},
	)

	// Result cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lci_cache_hits_total",
			Help: "Total number of cache lookups that found a prior result, by test name",
		},
		[]string{"test"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lci_cache_misses_total",
			Help: "Total number of cache lookups that found nothing, by test name",
		},
		[]string{"test"},
	)

	CacheWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lci_cache_write_duration_seconds",
			Help:    "Time taken to write a finished job's result.json to the cache",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(PoolAcquireWait)
	prometheus.MustRegister(PoolAvailable)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheWriteDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
