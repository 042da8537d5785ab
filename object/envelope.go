package object

import (
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

// MaxEnvelopeBytes is the hard limit on an encoded envelope's size (§3
// invariant 6). Encoding a larger value fails with protoerr.TooLarge
// before any network or storage call is attempted.
const MaxEnvelopeBytes = 32 * 1024

// MaxTagCount bounds combined channels+recipients so the envelope size
// budget can never be exceeded by fan-out alone (§9 open question,
// resolved in SPEC_FULL.md as an explicit pre-check).
const MaxTagCount = 1000

// NonceSize is the length of the envelope's freshness nonce (§3 invariant 7).
const NonceSize = 32

// envelopeWire is the canonical binary map {v, c, a?, n} hashed to produce
// an object's content address. Field order and key names are fixed by the
// wire grammar in spec §6; cbor's canonical mode additionally sorts map
// keys so two equal envelopes always serialize identically.
type envelopeWire struct {
	V cbor.RawMessage `cbor:"v"`
	C [][]byte        `cbor:"c"`
	A [][]byte        `cbor:"a,omitempty"`
	N []byte          `cbor:"n"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("object: invalid cbor encoding options: %v", err))
	}
	return mode
}()

var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("object: invalid cbor decoding options: %v", err))
	}
	return mode
}()

// encodeValue produces the canonical CBOR encoding of an arbitrary
// JSON-like value, used both to build an envelope's "v" field and to
// compare an expected value against a received one byte-for-byte.
func encodeValue(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func newNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// buildEnvelope assembles and canonically encodes the envelope for a value,
// its ordered channel-attestation signatures, and optional allowed-
// attestation MACs. It enforces the 32 KiB size cap.
func buildEnvelope(value interface{}, channelSigs [][]byte, allowedMACs [][]byte, nonce []byte) ([]byte, error) {
	encodedValue, err := encodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("object: failed to encode value: %w", err)
	}

	wire := envelopeWire{
		V: cbor.RawMessage(encodedValue),
		C: channelSigs,
		A: allowedMACs,
		N: nonce,
	}

	b, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("object: failed to encode envelope: %w", err)
	}

	if len(b) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: envelope is %d bytes, max %d", protoerr.TooLarge, len(b), MaxEnvelopeBytes)
	}

	return b, nil
}

// decodeEnvelope parses raw object bytes back into their wire form.
func decodeEnvelope(objectBytes []byte) (envelopeWire, error) {
	var wire envelopeWire
	if err := decMode.Unmarshal(objectBytes, &wire); err != nil {
		return envelopeWire{}, fmt.Errorf("%w: malformed envelope: %v", protoerr.ProtocolViolation, err)
	}
	return wire, nil
}
