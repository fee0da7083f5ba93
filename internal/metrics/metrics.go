package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one dissector run. Every helper method
// tolerates a nil receiver so instrumentation stays optional.
type Metrics struct {
	Registry *prometheus.Registry

	RowsLoaded               *prometheus.GaugeVec
	OutlierAnalyses          *prometheus.CounterVec
	TargetsInferred          prometheus.Counter
	Classifications          *prometheus.CounterVec
	AmbiguousClassifications prometheus.Counter
	FingerprintsBuilt        *prometheus.CounterVec
	TrafficMatch             prometheus.Histogram
	UploadsSent              prometheus.Counter
	UploadErrors             *prometheus.CounterVec
	SpoolBytes               prometheus.Gauge
	SpoolEntries             prometheus.Gauge
	SpoolDroppedTotal        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RowsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dissector_rows_loaded",
			Help: "Rows in the loaded table by kind",
		}, []string{"kind"}),
		OutlierAnalyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dissector_outlier_analyses_total",
			Help: "Outlier analyses by status",
		}, []string{"status"}),
		TargetsInferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dissector_targets_inferred_total",
			Help: "Victim addresses inferred",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dissector_classifications_total",
			Help: "Protocol classifications by final state",
		}, []string{"state"}),
		AmbiguousClassifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dissector_ambiguous_classifications_total",
			Help: "Classifications with more than one protocol outlier",
		}),
		FingerprintsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dissector_fingerprints_total",
			Help: "Fingerprints built by attack protocol",
		}, []string{"protocol"}),
		TrafficMatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dissector_traffic_match_percent",
			Help:    "Share of the traffic matched by a fingerprint",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		UploadsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dissector_uploads_sent_total",
			Help: "Fingerprints accepted by a repository",
		}),
		UploadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dissector_upload_errors_total",
			Help: "Upload errors",
		}, []string{"code"}),
		SpoolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dissector_spool_bytes",
			Help: "Pending upload spool size in bytes",
		}),
		SpoolEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dissector_spool_entries",
			Help: "Pending uploads in the spool",
		}),
		SpoolDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dissector_spool_dropped_total",
			Help: "Pending uploads dropped to respect the spool cap",
		}),
	}

	m.Registry.MustRegister(
		m.RowsLoaded,
		m.OutlierAnalyses,
		m.TargetsInferred,
		m.Classifications,
		m.AmbiguousClassifications,
		m.FingerprintsBuilt,
		m.TrafficMatch,
		m.UploadsSent,
		m.UploadErrors,
		m.SpoolBytes,
		m.SpoolEntries,
		m.SpoolDroppedTotal,
	)

	return m
}

// WriteFile dumps the registry in the node exporter textfile format.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

func (m *Metrics) SetRows(kind string, n int) {
	if m == nil {
		return
	}
	m.RowsLoaded.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) ObserveOutlier(status string) {
	if m == nil {
		return
	}
	m.OutlierAnalyses.WithLabelValues(status).Inc()
}

func (m *Metrics) AddTargets(n int) {
	if m == nil {
		return
	}
	m.TargetsInferred.Add(float64(n))
}

func (m *Metrics) ObserveClassification(state string, ambiguous bool) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(state).Inc()
	if ambiguous {
		m.AmbiguousClassifications.Inc()
	}
}

func (m *Metrics) IncFingerprints(protocol string) {
	if m == nil {
		return
	}
	m.FingerprintsBuilt.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveTrafficMatch(percent int) {
	if m == nil {
		return
	}
	m.TrafficMatch.Observe(float64(percent))
}

func (m *Metrics) IncUploads() {
	if m == nil {
		return
	}
	m.UploadsSent.Inc()
}

func (m *Metrics) IncUploadError(code string) {
	if m == nil {
		return
	}
	m.UploadErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) SetSpool(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.SpoolBytes.Set(float64(bytes))
	m.SpoolEntries.Set(float64(entries))
}

func (m *Metrics) IncSpoolDropped() {
	if m == nil {
		return
	}
	m.SpoolDroppedTotal.Inc()
}
