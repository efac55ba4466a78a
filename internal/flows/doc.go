// Package flows contains pure-function orchestrators for the session manager's
// operations.
//
// Each flow function (RunLogin, RunRefresh, RunLogout, Decide) accepts a typed
// dependency struct and returns a result carrying a failure kind. The root
// package maps kinds onto its error taxonomy, metrics and audit events.
//
// # Architecture boundaries
//
// Flows call the auth API and the token codec through their deps. They never
// touch the session store, hold locks, or keep state between calls; ownership
// of those stays with the Manager.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import rentauth (to avoid import cycles).
//   - Persist sessions.
package flows
