// Package prometheus exposes registry metrics through the Prometheus client library.
//
// [PrometheusExporter] is a prometheus.Collector that turns each [goAuthenticator.Registry]
// snapshot into const metrics: goauthenticator_*_total counters and the
// goauthenticator_build_latency_seconds histogram. [PrometheusExporter.Handler] serves them
// from a private registry.
//
// # What this package must NOT do
//
//   - Register metrics in the global Prometheus registry. Callers mount the Handler or register
//     the collector themselves.
//   - Mutate registry state.
package prometheus
