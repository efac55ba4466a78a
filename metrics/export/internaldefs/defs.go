package internaldefs

import (
	"strconv"
	"strings"

	"github.com/MrEthical07/rentauth"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   rentauth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   rentauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in export order.
var CounterDefs = []CounterDef{
	{ID: rentauth.MetricLoginSuccess, Name: "rentauth_login_success_total", Help: "Logins that produced a session."},
	{ID: rentauth.MetricLoginFailure, Name: "rentauth_login_failure_total", Help: "Rejected or failed logins."},
	{ID: rentauth.MetricRefreshSuccess, Name: "rentauth_refresh_success_total", Help: "Refresh calls that rotated the session."},
	{ID: rentauth.MetricRefreshFailure, Name: "rentauth_refresh_failure_total", Help: "Refresh calls that cleared the session."},
	{ID: rentauth.MetricRefreshShared, Name: "rentauth_refresh_shared_total", Help: "Callers that joined an in-flight refresh."},
	{ID: rentauth.MetricLogout, Name: "rentauth_logout_total", Help: "Logout operations."},
	{ID: rentauth.MetricLogoutRemoteFailure, Name: "rentauth_logout_remote_failure_total", Help: "Logout endpoint calls that failed."},
	{ID: rentauth.MetricSessionCleared, Name: "rentauth_session_cleared_total", Help: "Local session clears."},
	{ID: rentauth.MetricGuardAllowed, Name: "rentauth_guard_allowed_total", Help: "Route guard decisions that allowed the request."},
	{ID: rentauth.MetricGuardDeniedUnauthenticated, Name: "rentauth_guard_denied_unauthenticated_total", Help: "Route guard redirects to login."},
	{ID: rentauth.MetricGuardDeniedForbidden, Name: "rentauth_guard_denied_forbidden_total", Help: "Route guard redirects to the unauthorized page."},
	{ID: rentauth.MetricStoreReadFault, Name: "rentauth_store_read_fault_total", Help: "Session store faults degraded to anonymous."},
}

// HistogramDefs lists every histogram in export order.
var HistogramDefs = []HistogramDef{
	{ID: rentauth.MetricRefreshLatency, Name: "rentauth_refresh_latency_seconds", Help: "Refresh endpoint round trip latency."},
}

// BucketCount is the number of latency buckets, +Inf included.
const BucketCount = len(rentauth.RefreshLatencyBounds) + 1

// HistogramUpperBounds are the finite bucket bounds in seconds.
var HistogramUpperBounds = func() []float64 {
	out := make([]float64, 0, len(rentauth.RefreshLatencyBounds))
	for _, d := range rentauth.RefreshLatencyBounds {
		out = append(out, d.Seconds())
	}
	return out
}()

// HistogramBoundSuffix names each bucket for use in metric names, e.g.
// "0_005" for 5ms and "inf" for the overflow bucket.
var HistogramBoundSuffix = func() []string {
	out := make([]string, 0, BucketCount)
	for _, le := range HistogramUpperBounds {
		out = append(out, strings.ReplaceAll(strconv.FormatFloat(le, 'f', -1, 64), ".", "_"))
	}
	return append(out, "inf")
}()

// Cumulative converts per-bucket counts to running totals. Missing buckets
// count as zero and extra ones are ignored.
func Cumulative(raw []uint64) [BucketCount]uint64 {
	var (
		out     [BucketCount]uint64
		running uint64
	)
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
