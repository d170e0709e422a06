package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Conversion outcomes used as the "result" label.
const (
	ResultOK       = "ok"
	ResultDecode   = "decode_error"
	ResultTooLarge = "too_large"
	ResultError    = "error"
)

// ConversionMetrics tracks image-to-icon conversions.
type ConversionMetrics struct {
	Total    *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewConversionMetrics creates and registers conversion metrics.
func NewConversionMetrics(reg prometheus.Registerer) *ConversionMetrics {
	m := &ConversionMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Total number of conversions by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Time spent decoding, resizing and encoding successful conversions.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}

	reg.MustRegister(m.Total, m.Duration)
	return m
}

// Observe records one conversion outcome.
func (m *ConversionMetrics) Observe(result string, d time.Duration) {
	m.Total.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.Duration.Observe(d.Seconds())
	}
}

// SweepMetrics tracks temp directory expiry passes.
type SweepMetrics struct {
	Runs    prometheus.Counter
	Deleted prometheus.Counter
	Errors  prometheus.Counter
	LastRun prometheus.Gauge
}

// NewSweepMetrics creates and registers sweep metrics.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	m := &SweepMetrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of sweep passes.",
		}),
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "deleted_files_total",
			Help:      "Total number of expired files removed.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "errors_total",
			Help:      "Total number of files or listings the sweep failed on.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
	}

	reg.MustRegister(m.Runs, m.Deleted, m.Errors, m.LastRun)
	return m
}

// Observe records one sweep pass.
func (m *SweepMetrics) Observe(deleted, failed int, at time.Time) {
	m.Runs.Inc()
	m.Deleted.Add(float64(deleted))
	m.Errors.Add(float64(failed))
	m.LastRun.Set(float64(at.Unix()))
}
