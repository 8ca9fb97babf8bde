package export

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for exports. A nil *Metrics records
// nothing.
type Metrics struct {
	exports        *prometheus.CounterVec
	duration       prometheus.Histogram
	entries        prometheus.Counter
	sourceFailures prometheus.Counter
	archiveBytes   prometheus.Counter
	active         prometheus.Gauge
}

// NewMetrics registers the export collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		exports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldexport_exports_total",
				Help: "Total number of exports by result",
			},
			[]string{"result"},
		),

		duration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fieldexport_export_duration_seconds",
				Help:    "Export duration from request to signed links",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),

		entries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldexport_archive_entries_total",
				Help: "Total number of archive entries appended",
			},
		),

		sourceFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldexport_source_failures_total",
				Help: "Total number of sources that failed and left a truncated entry",
			},
		),

		archiveBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldexport_archive_bytes_total",
				Help: "Total compressed archive bytes produced",
			},
		),

		active: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldexport_exports_active",
				Help: "Number of exports currently running",
			},
		),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) finished(err error, elapsed time.Duration, archiveBytes int64) {
	if m == nil {
		return
	}
	m.active.Dec()
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.exports.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.archiveBytes.Add(float64(archiveBytes))
}

func (m *Metrics) entryAppended() {
	if m == nil {
		return
	}
	m.entries.Inc()
}

func (m *Metrics) sourceFailed() {
	if m == nil {
		return
	}
	m.sourceFailures.Inc()
}
