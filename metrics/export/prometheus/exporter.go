package prometheus

import (
	"net/http"

	"github.com/MrEthical07/goAuthenticator"
	"github.com/MrEthical07/goAuthenticator/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsSource interface {
	MetricsSnapshot() goAuthenticator.MetricsSnapshot
	AuditDropped() uint64
}

type counterDesc struct {
	id   goAuthenticator.MetricID
	desc *prometheus.Desc
}

// PrometheusExporter collects registry metrics on every scrape.
type PrometheusExporter struct {
	source       metricsSource
	counters     []counterDesc
	histograms   []counterDesc
	auditDropped *prometheus.Desc
	registry     *prometheus.Registry
}

// NewPrometheusExporter returns an exporter reading from registry.
func NewPrometheusExporter(registry *goAuthenticator.Registry) *PrometheusExporter {
	return NewPrometheusExporterFromSource(registry)
}

// NewPrometheusExporterFromSource returns an exporter reading from any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	p := &PrometheusExporter{
		source:       source,
		auditDropped: prometheus.NewDesc(internaldefs.AuditDroppedName, internaldefs.AuditDroppedHelp, nil, nil),
	}
	for _, def := range internaldefs.CounterDefs {
		p.counters = append(p.counters, counterDesc{id: def.ID, desc: prometheus.NewDesc(def.Name, def.Help, nil, nil)})
	}
	for _, def := range internaldefs.HistogramDefs {
		p.histograms = append(p.histograms, counterDesc{id: def.ID, desc: prometheus.NewDesc(def.Name, def.Help, nil, nil)})
	}

	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(p)
	return p
}

// Describe implements prometheus.Collector.
func (p *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range p.counters {
		ch <- c.desc
	}
	for _, h := range p.histograms {
		ch <- h.desc
	}
	ch <- p.auditDropped
}

// Collect implements prometheus.Collector. Nothing is emitted while metrics are disabled.
func (p *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	if p.source == nil {
		return
	}
	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return
	}

	for _, c := range p.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(snapshot.Counters[c.id]))
	}
	for _, h := range p.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for i, le := range internaldefs.HistogramUpperBounds {
			buckets[le] = cumulative[i]
		}
		// Snapshots carry no sum.
		ch <- prometheus.MustNewConstHistogram(h.desc, cumulative[len(cumulative)-1], 0, buckets)
	}
	ch <- prometheus.MustNewConstMetric(p.auditDropped, prometheus.CounterValue, float64(dropped))
}

// Registry returns the private registry the exporter is registered in.
func (p *PrometheusExporter) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the exporter's metrics in the Prometheus exposition format.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
