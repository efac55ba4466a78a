// Package otel binds rentauth counters to OpenTelemetry observable
// instruments.
//
// Every counter becomes an Int64ObservableCounter and each histogram bucket an
// Int64ObservableGauge. One callback takes a snapshot per collection. The
// caller owns the MeterProvider.
package otel
