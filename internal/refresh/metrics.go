package refresh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	SourcesTotal    *prometheus.CounterVec
	DownloadedBytes prometheus.Counter
	IndexedIDs      *prometheus.GaugeVec
	Suppressed      prometheus.Counter
	LastSuccess     prometheus.Gauge
}

// NewMetrics registers the refresh metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "epgmux",
			Name:      "refresh_runs_total",
			Help:      "Completed refresh runs by result (ok, structural_error).",
		}, []string{"result"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "epgmux",
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of a refresh run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		SourcesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "epgmux",
			Name:      "refresh_sources_total",
			Help:      "Per-source outcomes (unchanged, changed, error).",
		}, []string{"outcome"}),
		DownloadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "epgmux",
			Name:      "refresh_downloaded_bytes_total",
			Help:      "Decoded bytes written for changed sources.",
		}),
		IndexedIDs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "epgmux",
			Name:      "source_indexed_ids",
			Help:      "Identifiers in the latest index of each source.",
		}, []string{"source"}),
		Suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "epgmux",
			Name:      "refresh_suppressed_total",
			Help:      "Refresh requests dropped because a run was in progress.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "epgmux",
			Name:      "refresh_last_success_timestamp_seconds",
			Help:      "Unix time of the last refresh without a structural error.",
		}),
	}
}

func (m *Metrics) observeSource(o Outcome, bytes int64) {
	if m == nil {
		return
	}
	m.SourcesTotal.WithLabelValues(string(o)).Inc()
	if bytes > 0 {
		m.DownloadedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) observeIndex(source string, ids int) {
	if m == nil {
		return
	}
	m.IndexedIDs.WithLabelValues(source).Set(float64(ids))
}

func (m *Metrics) observeRun(started time.Time, err error) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		m.RunsTotal.WithLabelValues("structural_error").Inc()
		return
	}
	m.RunsTotal.WithLabelValues("ok").Inc()
	m.LastSuccess.SetToCurrentTime()
}

func (m *Metrics) suppressed() {
	if m == nil {
		return
	}
	m.Suppressed.Inc()
}
