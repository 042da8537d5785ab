// Package channelattest implements channel attestations (component C): a
// per-channel Ed25519 key pair derived deterministically from the channel
// string, used to prove "I know this channel" without revealing the
// channel itself. Knowledge of the channel string is the only capability;
// the derived public id is safe to publish as a wire tag.
package channelattest

import (
	"crypto/sha256"

	"github.com/graffiti-protocol/graffiti-go/crypto"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
)

// PublicIDSize is the length of a channel public id: a 0x00 discriminant
// byte followed by a 32-byte Ed25519 public key.
const PublicIDSize = 33

// Attestation is an actor's proof of channel knowledge.
type Attestation struct {
	Signature crypto.Signature
	PublicID  [PublicIDSize]byte
}

func seedFor(channel string) [32]byte {
	return sha256.Sum256([]byte(channel))
}

// Register derives the channel's public id: 0x00 || ed25519_pub(sha256(channel)).
// Register is idempotent: the same channel string always yields the same id.
func Register(channel string) [PublicIDSize]byte {
	log := logging.NewLogger("channelattest", "Register")
	log.Debug("deriving channel public id")

	seed := seedFor(channel)
	pub := crypto.PublicKeyFromSeed(seed)

	var out [PublicIDSize]byte
	out[0] = 0x00
	copy(out[1:], pub[:])

	log.Info("channel public id derived")
	return out
}

// Attest signs actor under the channel's derived key pair, returning the
// signature and the channel's public id (the tag to carry on the wire).
func Attest(actor, channel string) (Attestation, error) {
	log := logging.NewLogger("channelattest", "Attest")
	log.WithField("actor", actor).Debug("attesting actor for channel")

	seed := seedFor(channel)
	sig, err := crypto.Sign([]byte(actor), seed)
	if err != nil {
		log.WithError(err, "sign_failed", "attest").Error("failed to sign actor")
		return Attestation{}, err
	}

	return Attestation{
		Signature: sig,
		PublicID:  Register(channel),
	}, nil
}

// Validate verifies that sig is a valid channel attestation of actor under
// publicID. It strips and checks the discriminant byte before verifying the
// Ed25519 signature.
func Validate(sig crypto.Signature, actor string, publicID [PublicIDSize]byte) (bool, error) {
	log := logging.NewLogger("channelattest", "Validate")

	if publicID[0] != 0x00 {
		log.Warn("public id has unexpected discriminant byte")
		return false, nil
	}

	var pub [32]byte
	copy(pub[:], publicID[1:])

	ok, err := crypto.Verify([]byte(actor), sig, pub)
	if err != nil {
		log.WithError(err, "verify_failed", "validate").Error("signature verification errored")
		return false, err
	}

	return ok, nil
}
