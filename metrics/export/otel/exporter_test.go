package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/MrEthical07/rentauth"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot rentauth.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() rentauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := rentauth.MetricsSnapshot{
		Counters:   make(map[rentauth.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[rentauth.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("rentauth-test")

	src := &fakeSource{
		snapshot: rentauth.MetricsSnapshot{
			Counters: map[rentauth.MetricID]uint64{
				rentauth.MetricLoginSuccess: 3,
			},
			Histograms: map[rentauth.MetricID][]uint64{
				rentauth.MetricRefreshLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("expected collected metrics, got none")
	}

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				got[m.Name] = sum.DataPoints[0].Value
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				got[m.Name] = g.DataPoints[0].Value
			}
		}
	}
	if got["rentauth_login_success_total"] != 3 {
		t.Fatalf("expected login success 3, got %d", got["rentauth_login_success_total"])
	}
	if got["rentauth_refresh_latency_seconds_bucket_le_inf"] != 8 {
		t.Fatalf("expected +Inf bucket 8, got %d", got["rentauth_refresh_latency_seconds_bucket_le_inf"])
	}
	if got["rentauth_audit_dropped_total"] != 1 {
		t.Fatalf("expected dropped 1, got %d", got["rentauth_audit_dropped_total"])
	}
}

func TestExporterRejectsNilInputs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("rentauth-test")

	if _, err := NewOTelExporterFromSource(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewOTelExporter(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewOTelExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("rentauth-test")

	src := &fakeSource{
		snapshot: rentauth.MetricsSnapshot{
			Counters: map[rentauth.MetricID]uint64{
				rentauth.MetricLoginSuccess: 1,
			},
			Histograms: map[rentauth.MetricID][]uint64{
				rentauth.MetricRefreshLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[rentauth.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
