package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/rentauth"
	"github.com/MrEthical07/rentauth/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilMeter is returned when no meter is supplied.
	ErrNilMeter = errors.New("nil meter")
	// ErrNilSource is returned when no metrics source is supplied.
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() rentauth.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         rentauth.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      rentauth.MetricID
	buckets [internaldefs.BucketCount]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes rentauth counters as observable instruments. Values
// are read from the source on every collection.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
	observables  []metric.Observable
}

// NewOTelExporter registers instruments on meter that read from m.
func NewOTelExporter(meter metric.Meter, m *rentauth.Manager) (*OTelExporter, error) {
	if m == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, m)
}

// NewOTelExporterFromSource registers instruments on meter that read from source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}

	for _, def := range internaldefs.CounterDefs {
		ins, err := e.counter(meter, def.Name, def.Help)
		if err != nil {
			return nil, err
		}
		e.counters = append(e.counters, observedCounter{id: def.ID, instrument: ins})
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			ins, err := e.gauge(meter, def.Name+"_bucket_le_"+suffix, "Cumulative histogram bucket count.")
			if err != nil {
				return nil, err
			}
			h.buckets[i] = ins
		}
		count, err := e.gauge(meter, def.Name+"_count", "Histogram total sample count.")
		if err != nil {
			return nil, err
		}
		h.count = count
		e.histograms = append(e.histograms, h)
	}

	dropped, err := e.counter(meter, "rentauth_audit_dropped_total", "Dropped audit events due to dispatcher backpressure.")
	if err != nil {
		return nil, err
	}
	e.auditDropped = dropped

	reg, err := meter.RegisterCallback(e.observe, e.observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *OTelExporter) counter(meter metric.Meter, name, help string) (metric.Int64ObservableCounter, error) {
	ins, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
	if err != nil {
		return nil, fmt.Errorf("create observable counter %s: %w", name, err)
	}
	e.observables = append(e.observables, ins)
	return ins, nil
}

func (e *OTelExporter) gauge(meter metric.Meter, name, help string) (metric.Int64ObservableGauge, error) {
	ins, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
	if err != nil {
		return nil, fmt.Errorf("create observable gauge %s: %w", name, err)
	}
	e.observables = append(e.observables, ins)
	return ins, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.Cumulative(snapshot.Histograms[h.id])
		for i := range cumulative {
			o.ObserveInt64(h.buckets[i], int64(cumulative[i]))
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
