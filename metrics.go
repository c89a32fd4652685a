package goAuthenticator

import (
	"errors"
	"sync/atomic"
	"time"
)

// MetricID names one registry counter or the build latency histogram.
type MetricID uint16

const (
	// MetricBuildStarted counts builds accepted by the registry.
	MetricBuildStarted MetricID = iota
	// MetricBuildSuccess counts builds that persisted and associated a mechanism.
	MetricBuildSuccess
	// MetricBuildUnsupported counts synchronous rejections for unclaimed URIs.
	MetricBuildUnsupported
	// MetricBuildMalformed counts validation failures.
	MetricBuildMalformed
	// MetricBuildPersistenceFailed counts store or registration failures.
	MetricBuildPersistenceFailed
	// MetricBuildIdentityNotFound counts association attempts against a missing identity.
	MetricBuildIdentityNotFound
	// MetricBuildAssociationFailed counts other association failures.
	MetricBuildAssociationFailed
	// MetricBuildPanicked counts builds ended by a recovered panic.
	MetricBuildPanicked
	// MetricCompensationApplied counts compensating deletes that succeeded.
	MetricCompensationApplied
	// MetricCompensationFailed counts compensating deletes that failed and left an orphan.
	MetricCompensationFailed
	// MetricBuildLatency is the end-to-end build latency histogram.
	MetricBuildLatency
	metricIDCount
)

// LatencyBucketBounds are the inclusive upper bounds of the finite latency buckets. Builds slower
// than the last bound land in the overflow bucket. The low end covers in-process OTP builds; the
// high end covers push builds that wait on a registration round trip.
var LatencyBucketBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const (
	histBucketCount = len(LatencyBucketBounds) + 1
	cacheLineSize   = 64
)

// failureMetrics maps a build error to its counter. Order matters: a panic during association
// counts as a panic, and a persistence failure never reaches association.
var failureMetrics = []struct {
	err error
	id  MetricID
}{
	{ErrBuildPanicked, MetricBuildPanicked},
	{ErrMalformedMechanismURI, MetricBuildMalformed},
	{ErrPersistenceFailed, MetricBuildPersistenceFailed},
	{ErrIdentityNotFound, MetricBuildIdentityNotFound},
	{ErrModelAssociationFailed, MetricBuildAssociationFailed},
}

// failureMetric returns the counter for a failed build.
func failureMetric(err error) MetricID {
	for _, f := range failureMetrics {
		if errors.Is(err, f.err) {
			return f.id
		}
	}
	return MetricBuildAssociationFailed
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free build counters and the build latency histogram. Each counter sits on
// its own cache line because concurrent builds hit the same few outcomes.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	latency       [histBucketCount]uint64
}

// MetricsSnapshot is a point-in-time copy of [Metrics].
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns a Metrics honoring cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter. Safe on a nil receiver.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount || id == MetricBuildLatency {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a build latency. Only [MetricBuildLatency] has a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricBuildLatency {
		return
	}
	atomic.AddUint64(&m.latency[bucketIndex(d)], 1)
}

// recordOutcome counts the terminal outcome of one accepted build.
func (m *Metrics) recordOutcome(err error) {
	if err == nil {
		m.Inc(MetricBuildSuccess)
		return
	}
	m.Inc(failureMetric(err))
}

// Value returns the current counter value.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when enabled, the latency histogram.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricBuildLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.latency[i])
		}
		s.Histograms[MetricBuildLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range LatencyBucketBounds {
		if d <= bound {
			return i
		}
	}
	return len(LatencyBucketBounds)
}
