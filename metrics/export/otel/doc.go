// Package otel provides OpenTelemetry metric exporter bindings for flashauth
// counters and histograms.
//
// [NewExporter] registers Int64ObservableCounter instruments for each
// flashauth metric and Int64ObservableGauge per histogram bucket. A single
// callback reads [flashauth.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
