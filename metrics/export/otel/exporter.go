package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goAuthenticator"
	"github.com/MrEthical07/goAuthenticator/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() goAuthenticator.MetricsSnapshot
	AuditDropped() uint64
}

// outcomeSeries is one outcome of the builds counter with its attribute set precomputed.
type outcomeSeries struct {
	id    goAuthenticator.MetricID
	attrs metric.ObserveOption
}

type standaloneCounter struct {
	id         goAuthenticator.MetricID
	instrument metric.Int64ObservableCounter
}

// latencyHistogram reports cumulative bucket counts as one gauge keyed by "le". Snapshots carry
// no sum, so a native histogram instrument cannot be rebuilt from them.
type latencyHistogram struct {
	id      goAuthenticator.MetricID
	buckets metric.Int64ObservableGauge
	bounds  [internaldefs.BucketCount]metric.ObserveOption
	count   metric.Int64ObservableGauge
}

// OTelExporter keeps the callback registration alive until Close.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	builds       metric.Int64ObservableCounter
	outcomes     []outcomeSeries
	counters     []standaloneCounter
	latency      []latencyHistogram
	auditDropped metric.Int64ObservableCounter
}

// NewOTelExporter registers instruments on meter that report registry's metrics.
func NewOTelExporter(meter metric.Meter, registry *goAuthenticator.Registry) (*OTelExporter, error) {
	if registry == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, registry)
}

// NewOTelExporterFromSource registers instruments reporting any snapshot source. Build outcomes
// share one counter with an "outcome" attribute; other counters keep their own instrument.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{source: source}
	var observables []metric.Observable

	builds, err := meter.Int64ObservableCounter(internaldefs.BuildOutcomesName, metric.WithDescription(internaldefs.BuildOutcomesHelp))
	if err != nil {
		return nil, fmt.Errorf("create observable counter %s: %w", internaldefs.BuildOutcomesName, err)
	}
	exporter.builds = builds
	observables = append(observables, builds)

	for _, def := range internaldefs.CounterDefs {
		if def.Outcome != "" {
			exporter.outcomes = append(exporter.outcomes, outcomeSeries{
				id:    def.ID,
				attrs: metric.WithAttributes(attribute.String(internaldefs.OutcomeAttribute, def.Outcome)),
			})
			continue
		}
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, standaloneCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := latencyHistogram{id: def.ID}
		bucketName := def.Name + "_bucket"
		h.buckets, err = meter.Int64ObservableGauge(bucketName, metric.WithDescription("Cumulative build latency bucket counts."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", bucketName, err)
		}
		for i, le := range internaldefs.HistogramBoundLabels {
			h.bounds[i] = metric.WithAttributes(attribute.String(internaldefs.BoundAttribute, le))
		}
		countName := def.Name + "_count"
		h.count, err = meter.Int64ObservableGauge(countName, metric.WithDescription("Build latency sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		observables = append(observables, h.buckets, h.count)
		exporter.latency = append(exporter.latency, h)
	}

	exporter.auditDropped, err = meter.Int64ObservableCounter(
		internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	observables = append(observables, exporter.auditDropped)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, o := range e.outcomes {
		observer.ObserveInt64(e.builds, int64(snapshot.Counters[o.id]), o.attrs)
	}
	for _, c := range e.counters {
		observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.latency {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i, v := range cumulative {
			observer.ObserveInt64(h.buckets, int64(v), h.bounds[i])
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
