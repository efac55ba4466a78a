// Package transport is the HTTP client for the auth API: login, refresh,
// logout and me.
//
// Login and refresh go through a plain http.Client, since replaying them could
// consume a rotating refresh token twice. The idempotent endpoints (logout,
// me) go through go-retryablehttp. Both clients share one cookie jar, so the
// cookie session tier travels with every call.
//
// # What this package must NOT do
//
//   - Decide what a failure means for the session; it only reports
//     [StatusError] or [ErrUnreachable].
//   - Import rentauth or session.
package transport
