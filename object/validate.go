package object

import (
	"bytes"
	"fmt"

	"github.com/graffiti-protocol/graffiti-go/address"
	"github.com/graffiti-protocol/graffiti-go/allowedattest"
	"github.com/graffiti-protocol/graffiti-go/channelattest"
	"github.com/graffiti-protocol/graffiti-go/crypto"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

// Validate checks candidate (the object as announced, e.g. a message's
// masked or unmasked "o" field) against its raw envelope bytes and the
// tags it was filed under:
//
//  1. candidate.URL's embedded content address must equal sha256 of
//     objectBytes exactly (§3 invariant 1).
//  2. the envelope's encoded value must equal candidate.Value byte-for-byte.
//  3. each receivedTag must have a positionally-aligned, verifying channel
//     attestation (§3 invariant 2).
//  4. candidate's public/private flag must match the envelope's "a" field
//     presence (§3 invariant 4), and when private, privateInfo must check
//     out against the envelope's allowed attestations (§3 invariant 3).
//
// A failed check above is reported wrapping a protoerr sentinel
// (ProtocolViolation, or SchemaMismatch for a value mismatch). Errors raised
// by the attestation primitives themselves, such as
// allowedattest.ErrInvalidTicket for a ticket without the expected header,
// are returned as those packages produce them.
func Validate(candidate Object, receivedTags [][]byte, objectBytes []byte, privateInfo *PrivateInfo) error {
	log := logging.NewLogger("object", "Validate")
	log.WithField("url", candidate.URL).Debug("validating object")

	actor, addr, err := DecodeURL(candidate.URL)
	if err != nil {
		return err
	}
	if actor != candidate.Actor {
		return fmt.Errorf("%w: URL actor does not match candidate actor", protoerr.ProtocolViolation)
	}

	computedAddr, err := address.Register("sha2-256", objectBytes)
	if err != nil {
		return err
	}
	if !bytes.Equal(addr, computedAddr) {
		log.Warn("content address mismatch")
		return fmt.Errorf("%w: content address does not match object bytes", protoerr.ProtocolViolation)
	}

	wire, err := decodeEnvelope(objectBytes)
	if err != nil {
		return err
	}

	expectedValueBytes, err := encodeValue(candidate.Value)
	if err != nil {
		return err
	}
	if !bytes.Equal(expectedValueBytes, []byte(wire.V)) {
		log.Warn("value mismatch between candidate and envelope")
		return fmt.Errorf("%w: envelope value does not match expected value", protoerr.SchemaMismatch)
	}

	if err := validateChannelAttestations(actor, receivedTags, wire.C); err != nil {
		return err
	}

	return validatePrivacy(candidate, wire.A, privateInfo)
}

// validateChannelAttestations checks invariant 2: exactly one attestation
// per received tag, aligned by index.
func validateChannelAttestations(actor string, receivedTags [][]byte, attestations [][]byte) error {
	if len(receivedTags) != len(attestations) {
		return fmt.Errorf("%w: %d tags but %d channel attestations", protoerr.ProtocolViolation, len(receivedTags), len(attestations))
	}

	for i, tag := range receivedTags {
		var publicID [channelattest.PublicIDSize]byte
		if len(tag) != channelattest.PublicIDSize {
			return fmt.Errorf("%w: tag %d has wrong length for a channel public id", protoerr.ProtocolViolation, i)
		}
		copy(publicID[:], tag)

		var sig crypto.Signature
		if len(attestations[i]) != crypto.SignatureSize {
			return fmt.Errorf("%w: attestation %d has wrong length", protoerr.ProtocolViolation, i)
		}
		copy(sig[:], attestations[i])

		ok, err := channelattest.Validate(sig, actor, publicID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: channel attestation %d failed to verify", protoerr.ProtocolViolation, i)
		}
	}

	return nil
}

// validatePrivacy enforces invariants 3 and 4: public envelopes carry no
// "a" field, private envelopes must, and the caller's PrivateInfo must
// check out against it.
//
// The self-case sees the full, unmasked candidate and checks every
// attestation against its known ticket list. The recipient-case sees
// only whatever copy of the object this recipient's delivery carried —
// typically masked down to a single-element Allowed naming just them —
// so it checks only the one attestation at recipientIndex, without
// requiring len(candidate.Allowed) to match the envelope's full
// recipient count.
func validatePrivacy(candidate Object, allowedMACs [][]byte, privateInfo *PrivateInfo) error {
	isPrivate := candidate.IsPrivate()

	if !isPrivate {
		if len(allowedMACs) != 0 {
			return fmt.Errorf("%w: public object carries allowed attestations", protoerr.ProtocolViolation)
		}
		if privateInfo != nil {
			return fmt.Errorf("%w: privateInfo supplied for a public object", protoerr.ProtocolViolation)
		}
		return nil
	}

	if privateInfo == nil {
		return fmt.Errorf("%w: private object requires privateInfo", protoerr.ProtocolViolation)
	}

	allowed := *candidate.Allowed

	if privateInfo.selfCase {
		if len(allowedMACs) != len(allowed) {
			return fmt.Errorf("%w: %d recipients but %d allowed attestations", protoerr.ProtocolViolation, len(allowed), len(allowedMACs))
		}
		if len(privateInfo.selfTickets) != len(allowed) {
			return fmt.Errorf("%w: %d recipients but %d known tickets", protoerr.ProtocolViolation, len(allowed), len(privateInfo.selfTickets))
		}
		for i, recipient := range allowed {
			var mac [32]byte
			copy(mac[:], allowedMACs[i])
			ok, err := allowedattest.Validate(mac, recipient, privateInfo.selfTickets[i])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: allowed attestation %d failed to verify", protoerr.ProtocolViolation, i)
			}
		}
		return nil
	}

	switch len(allowed) {
	case 1:
		if allowed[0] != privateInfo.recipient {
			return fmt.Errorf("%w: masked object names a different recipient", protoerr.ProtocolViolation)
		}
	default:
		idx := privateInfo.recipientIndex
		if idx < 0 || idx >= len(allowed) || allowed[idx] != privateInfo.recipient {
			return fmt.Errorf("%w: recipient does not occupy its claimed index", protoerr.ProtocolViolation)
		}
	}

	idx := privateInfo.recipientIndex
	if idx < 0 || idx >= len(allowedMACs) {
		return fmt.Errorf("%w: recipient index %d out of range", protoerr.ProtocolViolation, idx)
	}
	var mac [32]byte
	copy(mac[:], allowedMACs[idx])
	ok, err := allowedattest.Validate(mac, privateInfo.recipient, privateInfo.recipientTicket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: allowed attestation for recipient failed to verify", protoerr.ProtocolViolation)
	}

	return nil
}
