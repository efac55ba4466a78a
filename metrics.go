package rentauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter (or the refresh latency histogram) in
// Metrics.
type MetricID uint16

const (
	// MetricLoginSuccess counts logins that produced an authenticated session.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected or failed logins.
	MetricLoginFailure
	// MetricRefreshSuccess counts refresh network calls that rotated the session.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refresh calls that ended with the session cleared.
	MetricRefreshFailure
	// MetricRefreshShared counts callers that joined an in-flight refresh.
	MetricRefreshShared
	// MetricLogout counts Logout calls.
	MetricLogout
	// MetricLogoutRemoteFailure counts logout endpoint calls that failed.
	MetricLogoutRemoteFailure
	// MetricSessionCleared counts local session clears from any cause.
	MetricSessionCleared
	// MetricGuardAllowed counts route guard decisions that allowed the request.
	MetricGuardAllowed
	// MetricGuardDeniedUnauthenticated counts guard redirects to login.
	MetricGuardDeniedUnauthenticated
	// MetricGuardDeniedForbidden counts guard redirects to the unauthorized page.
	MetricGuardDeniedForbidden
	// MetricStoreReadFault counts session store faults that degraded to anonymous.
	MetricStoreReadFault
	// MetricRefreshLatency is the refresh round trip histogram.
	MetricRefreshLatency
	metricIDCount
)

// MetricCount is the number of defined MetricIDs.
const MetricCount = int(metricIDCount)

// RefreshLatencyBounds are the inclusive upper bounds of the refresh latency
// buckets. One more bucket catches everything slower.
var RefreshLatencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// counter sits alone on its cache line so hot counters do not contend.
type counter struct {
	atomic.Uint64
	_ [56]byte
}

// Metrics is a fixed set of lock-free counters plus the refresh latency
// histogram. A nil or disabled Metrics accepts every call and records nothing.
type Metrics struct {
	enabled bool
	latency bool
	counts  [metricIDCount]counter
	refresh [len(RefreshLatencyBounds) + 1]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns Metrics configured from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled, latency: cfg.Enabled && cfg.EnableLatencyHistograms}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

// LatencyEnabled reports whether the refresh latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

func (m *Metrics) isCounter(id MetricID) bool {
	return id < metricIDCount && id != MetricRefreshLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m.Enabled() && m.isCounter(id) {
		m.counts[id].Add(1)
	}
}

// Observe records d in the histogram for id. Only MetricRefreshLatency has a
// histogram; other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if id != MetricRefreshLatency || !m.LatencyEnabled() {
		return
	}
	i := 0
	for i < len(RefreshLatencyBounds) && d > RefreshLatencyBounds[i] {
		i++
	}
	m.refresh[i].Add(1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || !m.isCounter(id) {
		return 0
	}
	return m.counts[id].Load()
}

// Snapshot copies all counters. Disabled metrics yield empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if m.isCounter(id) {
			snap.Counters[id] = m.counts[id].Load()
		}
	}
	if m.latency {
		buckets := make([]uint64, len(m.refresh))
		for i := range m.refresh {
			buckets[i] = m.refresh[i].Load()
		}
		snap.Histograms[MetricRefreshLatency] = buckets
	}
	return snap
}
