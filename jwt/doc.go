// Package jwt decodes access tokens on the client side and issues them on the
// server side.
//
// [Codec] reads the exp and sub claims without checking the signature and
// applies a skew buffer (see [DefaultSkew]) when deciding whether a token needs
// refreshing. Undecodable tokens are always treated as expired.
//
// [Manager] signs and verifies tokens (HS256 or Ed25519, optional kid
// rotation). Portal clients never verify signatures; the Manager exists for
// the reference auth server and tests.
package jwt
