// Package crypto implements the low-level Ed25519 signing primitive shared
// by the channel and allowed attestation layers.
//
// Higher-level packages never touch raw keys directly: [channelattest]
// derives an Ed25519 key pair from a channel secret and calls [Sign]/[Verify]
// against it, and [allowedattest] uses HMAC-SHA-256 instead (see that
// package). This package only wraps the stdlib crypto/ed25519 primitives;
// it does no logging of its own.
//
//	signature, err := crypto.Sign(message, privateKey)
//	ok, err := crypto.Verify(message, signature, publicKey)
package crypto
