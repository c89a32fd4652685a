package internaldefs

import (
	"strconv"

	"github.com/MrEthical07/goAuthenticator"
)

// CounterDef names one registry counter. Outcome is set for counters that record how a build
// ended; exporters with attributes report those as one instrument keyed by outcome.
type CounterDef struct {
	ID      goAuthenticator.MetricID
	Name    string
	Help    string
	Outcome string
}

// HistogramDef names one registry histogram.
type HistogramDef struct {
	ID   goAuthenticator.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: goAuthenticator.MetricBuildStarted, Name: "goauthenticator_build_started_total", Help: "Builds accepted by the registry."},
	{ID: goAuthenticator.MetricBuildSuccess, Name: "goauthenticator_build_success_total", Help: "Builds that persisted and associated a mechanism.", Outcome: "success"},
	{ID: goAuthenticator.MetricBuildUnsupported, Name: "goauthenticator_build_unsupported_total", Help: "URIs no registered factory supports.", Outcome: "unsupported"},
	{ID: goAuthenticator.MetricBuildMalformed, Name: "goauthenticator_build_malformed_total", Help: "Builds rejected by URI validation.", Outcome: "malformed"},
	{ID: goAuthenticator.MetricBuildPersistenceFailed, Name: "goauthenticator_build_persistence_failed_total", Help: "Builds failed by the identity store or push registration.", Outcome: "persistence_failed"},
	{ID: goAuthenticator.MetricBuildIdentityNotFound, Name: "goauthenticator_build_identity_not_found_total", Help: "Builds whose identity was missing at association.", Outcome: "identity_not_found"},
	{ID: goAuthenticator.MetricBuildAssociationFailed, Name: "goauthenticator_build_association_failed_total", Help: "Builds rejected by the identity model.", Outcome: "association_failed"},
	{ID: goAuthenticator.MetricBuildPanicked, Name: "goauthenticator_build_panicked_total", Help: "Builds ended by a recovered panic.", Outcome: "panicked"},
	{ID: goAuthenticator.MetricCompensationApplied, Name: "goauthenticator_compensation_applied_total", Help: "Compensating deletes that removed a persisted record."},
	{ID: goAuthenticator.MetricCompensationFailed, Name: "goauthenticator_compensation_failed_total", Help: "Compensating deletes that failed and left an orphaned record."},
}

var HistogramDefs = []HistogramDef{
	{ID: goAuthenticator.MetricBuildLatency, Name: "goauthenticator_build_latency_seconds", Help: "End-to-end mechanism build latency."},
}

// AuditDroppedName is the counter for audit events dropped under backpressure.
const (
	AuditDroppedName = "goauthenticator_audit_dropped_total"
	AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
)

// BuildOutcomesName is the single outcome-keyed counter exporters with attributes report in
// place of the per-outcome counters.
const (
	BuildOutcomesName = "goauthenticator_builds_total"
	BuildOutcomesHelp = "Finished builds by outcome."
	OutcomeAttribute  = "outcome"
	BoundAttribute    = "le"
)

// BucketCount is the number of latency buckets, overflow included.
const BucketCount = len(goAuthenticator.LatencyBucketBounds) + 1

// HistogramUpperBounds are the finite bucket bounds in seconds.
var HistogramUpperBounds = upperBounds()

// HistogramBoundLabels are the bucket bounds as "le" attribute values, +Inf included.
var HistogramBoundLabels = boundLabels()

func upperBounds() []float64 {
	out := make([]float64, 0, len(goAuthenticator.LatencyBucketBounds))
	for _, b := range goAuthenticator.LatencyBucketBounds {
		out = append(out, b.Seconds())
	}
	return out
}

func boundLabels() []string {
	out := make([]string, 0, BucketCount)
	for _, b := range upperBounds() {
		out = append(out, strconv.FormatFloat(b, 'f', -1, 64))
	}
	return append(out, "+Inf")
}

// NormalizeBuckets copies raw into a fixed bucket array, zero-filling missing entries.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
