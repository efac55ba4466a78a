// Package session persists the portal session across two storage tiers and
// defines the [Session] and [User] model.
//
// # Storage layout
//
// The token tier holds the auth_token, refreshToken and user_role entries with
// their own lifetimes (30, 90 and 30 days by default). The profile tier holds
// the JSON user under "user" and the post-login target under "intendedRoute".
// Each tier is a [Backend]: in-memory, a cookie jar, the cookies of the current
// HTTP request, Redis, PostgreSQL or a JSON file.
//
// # Failure semantics
//
// [Store.Read] never fails: unreadable or inconsistent state reads as the
// anonymous session. [Store.Write] either persists every tier or clears the
// session and returns an error wrapping [ErrStoreWrite].
//
// # What this package must NOT do
//
//   - Import rentauth or jwt (no upward imports).
//   - Decide whether a token is stale or call the auth API.
//   - Persist password material.
package session
