// Package middleware implements the route guard: given a session source and
// a page requirement it decides between Loading, DeniedUnauthenticated,
// DeniedForbidden and Allowed.
//
// # Adapters
//
//   - [Guard.Evaluate] and [Guard.EvaluateWith] return a [Decision] directly.
//   - [Guard.Require] wraps a net/http handler, redirecting browsers with 302
//     and answering JSON clients with 401 or 403.
//   - [Guard.Gin] is the same for gin routers.
//   - [Guard.Watch] re-evaluates a page whenever the Manager's session changes.
//
// # Architecture boundaries
//
// The guard never sees transport errors. It receives a resolved session or
// nil from the Manager and consults the RBAC policy; every decision is
// recorded through Manager.ObserveGuard.
package middleware
