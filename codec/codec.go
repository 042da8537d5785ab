// Package codec implements the self-describing string codec (component A):
// arbitrary bytes encoded as a "u" prefix plus URL-safe, unpadded base64,
// as used for inbox cursors and message cache keys. Object URLs do not use
// it: their segments are built by the object package without the "u"
// prefix. The leading method byte leaves room for other encodings to be
// added later without breaking existing decoders.
package codec

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
)

// ErrUnknownMethod is returned when the encoded string does not carry a
// recognized method prefix.
var ErrUnknownMethod = errors.New("codec: unknown method prefix")

// uMethodPrefix is the self-describing prefix for URL-safe base64,
// unpadded ("u" follows the multibase convention for base64url-nopad).
const uMethodPrefix = "u"

// Encode returns the self-describing string form of b.
func Encode(b []byte) string {
	log := logging.NewLogger("codec", "Encode")
	log.WithField("input_size", len(b)).Debug("encoding bytes")

	return uMethodPrefix + base64.RawURLEncoding.EncodeToString(b)
}

// Decode inverts Encode, failing if the method prefix is absent or the
// remainder is not valid unpadded URL-safe base64.
func Decode(s string) ([]byte, error) {
	log := logging.NewLogger("codec", "Decode")

	if !strings.HasPrefix(s, uMethodPrefix) {
		log.WithError(ErrUnknownMethod, "unknown_method", "decode").Warn("missing method prefix")
		return nil, ErrUnknownMethod
	}

	b, err := base64.RawURLEncoding.DecodeString(s[len(uMethodPrefix):])
	if err != nil {
		log.WithError(err, "invalid_base64", "decode").Warn("failed to decode body")
		return nil, err
	}

	log.WithField("output_size", len(b)).Debug("decoded bytes")
	return b, nil
}
