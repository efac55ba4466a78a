// Package authtest provides an in-process auth API for tests and local
// development.
//
// The server implements the four endpoints a rentauth.Manager talks to:
//
//	POST /auth/login    {email,password} -> {token, refreshToken, user}
//	POST /auth/refresh  {refreshToken}   -> {token, refreshToken?, user?}
//	POST /auth/logout                    -> {success: true}
//	GET  /auth/me       Bearer token     -> {user}
//
// Passwords are argon2id hashes, access tokens are HS256 JWTs and refresh
// tokens are opaque values whose secret half rotates on every refresh. Only
// the hash of a refresh secret is kept.
//
// Faults can be injected per server: FailRefresh answers refresh with a fixed
// status, FailLogout drops the logout connection, SetLatency delays every
// response and LeakPasswordField adds the password hash to user payloads.
package authtest
