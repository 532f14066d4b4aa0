package prometheus

import (
	"net/http"
	"strconv"

	flashauth "github.com/iam-dha/flashcard-auth"
	"github.com/iam-dha/flashcard-auth/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsSource interface {
	MetricsSnapshot() flashauth.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter adapts engine metric snapshots to a [prometheus.Collector]. Every
// scrape reads a fresh snapshot, so the exporter itself holds no counter
// state.
type Exporter struct {
	source       metricsSource
	counterDescs map[flashauth.MetricID]*prometheus.Desc
	histDescs    map[flashauth.MetricID]*prometheus.Desc
	droppedDesc  *prometheus.Desc
}

// NewExporter creates a Prometheus collector that reads from the given
// [flashauth.Engine].
func NewExporter(engine *flashauth.Engine) *Exporter {
	return NewExporterFromSource(engine)
}

// NewExporterFromSource creates a Prometheus collector from a custom
// metrics source.
func NewExporterFromSource(source metricsSource) *Exporter {
	e := &Exporter{
		source:       source,
		counterDescs: make(map[flashauth.MetricID]*prometheus.Desc, len(internaldefs.CounterDefs)),
		histDescs:    make(map[flashauth.MetricID]*prometheus.Desc, len(internaldefs.HistogramDefs)),
		droppedDesc: prometheus.NewDesc(
			"flashauth_audit_dropped_total",
			"Dropped audit events due to dispatcher backpressure.",
			nil, nil,
		),
	}

	for _, def := range internaldefs.CounterDefs {
		e.counterDescs[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for _, def := range internaldefs.HistogramDefs {
		e.histDescs[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}

	return e
}

// Describe implements [prometheus.Collector].
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.counterDescs {
		ch <- desc
	}
	for _, desc := range e.histDescs {
		ch <- desc
	}
	ch <- e.droppedDesc
}

// Collect implements [prometheus.Collector].
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	if e == nil || e.source == nil {
		return
	}

	snapshot := e.source.MetricsSnapshot()

	for _, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(
			e.counterDescs[def.ID],
			prometheus.CounterValue,
			float64(snapshot.Counters[def.ID]),
		)
	}

	for _, def := range internaldefs.HistogramDefs {
		raw := internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID])
		cumulative := internaldefs.CumulativeBuckets(raw)

		buckets := make(map[float64]uint64, len(internaldefs.HistogramBounds)-1)
		for i, bound := range internaldefs.HistogramBounds {
			if bound == "+Inf" {
				continue
			}
			upper, err := strconv.ParseFloat(bound, 64)
			if err != nil {
				continue
			}
			buckets[upper] = cumulative[i]
		}

		count := cumulative[len(cumulative)-1]
		// The engine records bucket counts only; sums stay zero for
		// compatibility with the snapshot format.
		ch <- prometheus.MustNewConstHistogram(e.histDescs[def.ID], count, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(
		e.droppedDesc,
		prometheus.CounterValue,
		float64(e.source.AuditDropped()),
	)
}

// Handler returns an http.Handler serving the exporter's metrics from a
// dedicated registry.
func (e *Exporter) Handler() (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(e); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
