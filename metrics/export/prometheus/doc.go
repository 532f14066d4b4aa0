// Package prometheus provides Prometheus collectors for flashauth metrics.
//
// [NewExporter] accepts a [flashauth.Engine] and implements
// [prometheus.Collector]: each scrape reads a fresh metrics snapshot and
// emits constant metrics from it. Counter names are prefixed
// flashauth_*_total; the single histogram is
// flashauth_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in the global Prometheus registry. Callers register
//     the collector or mount Handler, which uses a dedicated registry.
//   - Mutate engine state.
package prometheus
