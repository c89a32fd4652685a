// Package otel publishes registry metrics as OpenTelemetry observable instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per registry counter and one
// Int64ObservableGauge per latency bucket. A single callback reads
// [goAuthenticator.Registry.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate registry state.
package otel
