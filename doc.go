// Package rentauth manages client-side sessions for the rental portal: login,
// silent refresh, logout and the state a route guard needs to decide between
// rendering a page and redirecting.
//
// A [Manager] is assembled by a [Builder] and is safe for concurrent use. It
// talks to the auth API (POST /auth/login, /auth/refresh, /auth/logout and
// GET /auth/me), keeps the session in a [session.Store] and answers role and
// permission questions through a [permission.Policy].
//
// # Architecture boundaries
//
// The root package is the public surface. Flow orchestration, the HTTP client
// and audit dispatch live under internal/. The session, permission and jwt
// packages never import rentauth; middleware and the metrics exporters do.
//
// # Refresh
//
// Concurrent refreshes of the same refresh token share one API call. A failed
// refresh clears the session; [Scope.ValidateAndRefresh] then reports "log in"
// as a nil session with a nil error.
package rentauth
