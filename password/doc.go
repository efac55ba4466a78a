// Package password hashes and verifies passwords with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes made with weaker parameters so a
// caller can re-hash after a successful login. The reference auth server in
// authtest stores its users' passwords with this package; the session client
// itself never sees a hash.
package password
