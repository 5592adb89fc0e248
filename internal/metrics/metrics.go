// Package metrics exposes Prometheus collectors for pipeline runs.
//
// Collectors are registered with the default registry on first use.
// [Recorder] adapts them to the pipeline's observer interface and
// [Handler] serves them over HTTP.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ligship"

var (
	registerOnce sync.Once

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by final state.",
		},
		[]string{"state"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"state"},
	)
	stateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "state_duration_seconds",
			Help:      "Time spent in each pipeline state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"state"},
	)
	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Pipeline runs currently executing.",
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Dependency cache lookups by group and outcome.",
		},
		[]string{"group", "hit"},
	)
)

// Registers the collectors with the default registry. Safe to call more
// than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(runsTotal, runDuration, stateDuration, runsInFlight, cacheLookups)
	})
}

// Returns an HTTP handler serving the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// Records a run entering execution.
func RecordRunStarted() {
	RegisterMetrics()
	runsInFlight.Inc()
}

// Records a finished run and its final state.
func RecordRunFinished(state string, duration time.Duration) {
	RegisterMetrics()
	runsInFlight.Dec()
	runsTotal.WithLabelValues(state).Inc()
	runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Records the time spent in a state.
func RecordState(state string, duration time.Duration) {
	RegisterMetrics()
	stateDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Records a cache group lookup.
func RecordCache(group string, hit bool) {
	RegisterMetrics()
	cacheLookups.WithLabelValues(group, strconv.FormatBool(hit)).Inc()
}

// Forwards pipeline observations to the package collectors.
type Recorder struct{}

func (Recorder) RunStarted() { RecordRunStarted() }

func (Recorder) RunFinished(state string, d time.Duration) { RecordRunFinished(state, d) }

func (Recorder) StateFinished(state string, d time.Duration) { RecordState(state, d) }

func (Recorder) CacheLookup(group string, hit bool) { RecordCache(group, hit) }
