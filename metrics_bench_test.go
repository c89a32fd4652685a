package goAuthenticator

import (
	"sync/atomic"
	"testing"
	"time"
)

func BenchmarkMetricsInc(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		m.Inc(MetricBuildSuccess)
	}
}

func BenchmarkMetricsIncDisabled(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		m.Inc(MetricBuildSuccess)
	}
}

func BenchmarkMetricsIncParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Inc(MetricBuildStarted)
		}
	})
}

func BenchmarkMetricsObserveLatencyParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	d := 3 * time.Millisecond
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Observe(MetricBuildLatency, d)
		}
	})
}

type packedBenchmarkMetrics struct {
	counters [metricIDCount]uint64
}

func (m *packedBenchmarkMetrics) Inc(id MetricID) {
	atomic.AddUint64(&m.counters[id], 1)
}

// A build touches started plus one outcome counter.
var buildOutcomeMetricIDs = [...]MetricID{
	MetricBuildStarted,
	MetricBuildSuccess,
	MetricBuildStarted,
	MetricBuildMalformed,
	MetricBuildStarted,
	MetricBuildIdentityNotFound,
	MetricCompensationApplied,
	MetricBuildPersistenceFailed,
}

func BenchmarkMetricsIncMixedParallelPadded(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		idx := 0
		for pb.Next() {
			m.Inc(buildOutcomeMetricIDs[idx])
			idx++
			if idx == len(buildOutcomeMetricIDs) {
				idx = 0
			}
		}
	})
}

func BenchmarkMetricsIncMixedParallelPacked(b *testing.B) {
	m := &packedBenchmarkMetrics{}
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		idx := 0
		for pb.Next() {
			m.Inc(buildOutcomeMetricIDs[idx])
			idx++
			if idx == len(buildOutcomeMetricIDs) {
				idx = 0
			}
		}
	})
}
