// Package address implements content addresses (component B): a
// multihash-prefixed SHA-256 digest of arbitrary bytes, content-addressing
// the binary object envelope defined by package object.
package address

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-multihash"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
)

// Size is the fixed length of a content address: a 2-byte multihash
// header (code + digest length, both single-byte varints for sha2-256)
// followed by the 32-byte SHA-256 digest.
const Size = 34

// ErrUnsupportedMethod is returned by MethodOf for any multihash code other
// than sha2-256, or for malformed input.
var ErrUnsupportedMethod = errors.New("address: unsupported hash method")

// Register computes the content address for b using the given hash
// method. Only "sha2-256" is supported; any other method fails.
//
// Register is idempotent: the same bytes always produce the same address,
// and distinct bytes produce distinct addresses with overwhelming
// probability (collision resistance of SHA-256).
func Register(method string, b []byte) ([]byte, error) {
	log := logging.NewLogger("address", "Register")
	log.WithFields(map[string]interface{}{"method": method, "input_size": len(b)}).Debug("registering content address")

	if method != "sha2-256" {
		log.WithError(ErrUnsupportedMethod, "unsupported_method", "register").Warn("rejected non sha2-256 method")
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	mh, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		log.WithError(err, "multihash_sum_failed", "register").Error("failed to compute multihash")
		return nil, err
	}

	log.WithField("address_size", len(mh)).Info("content address registered")
	return []byte(mh), nil
}

// MethodOf recovers the hash method name from a content address, validating
// the two-byte multihash prefix and the overall 34-byte length.
func MethodOf(addr []byte) (string, error) {
	log := logging.NewLogger("address", "MethodOf")

	if len(addr) != Size {
		log.WithField("address_size", len(addr)).Warn("address has wrong length")
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrUnsupportedMethod, Size, len(addr))
	}

	decoded, err := multihash.Decode(addr)
	if err != nil {
		log.WithError(err, "multihash_decode_failed", "method_of").Warn("failed to decode multihash prefix")
		return "", fmt.Errorf("%w: %v", ErrUnsupportedMethod, err)
	}

	if decoded.Code != multihash.SHA2_256 || decoded.Length != 32 {
		log.WithFields(map[string]interface{}{"code": decoded.Code, "length": decoded.Length}).Warn("unsupported multihash code/length")
		return "", ErrUnsupportedMethod
	}

	return "sha2-256", nil
}
