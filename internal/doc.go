// Package internal holds helpers private to the rentauth module: opaque
// refresh token encoding used by the reference auth server.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - cli: the rentauthctl command tree
//   - flows: login, refresh, hydrate, logout and validate as functions over deps
//   - rate: redis fixed-window login throttle for the reference auth server
//   - transport: HTTP client for the auth API
package internal
