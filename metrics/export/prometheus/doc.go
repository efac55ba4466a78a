// Package prometheus exposes rentauth metrics through a client_golang
// Collector.
//
// [NewCollector] reads a [rentauth.Manager] (or any source with the same
// snapshot methods) at scrape time. Counters are named rentauth_*_total and
// the one histogram is rentauth_refresh_latency_seconds.
//
// Nothing is registered in the global registry. Callers either register the
// Collector themselves or mount [Collector.Handler], which serves a private
// registry.
package prometheus
