// Package rate throttles failed logins in the reference auth server with
// Redis fixed-window counters.
//
// # Window semantics
//
// INCR plus EXPIRE on the first hit of a window. Keys:
//   - <prefix>:login:<email>  failures per account
//   - <prefix>:ip:<addr>      failures per client address, when PerIP is set
//
// A successful login resets both counters.
package rate
