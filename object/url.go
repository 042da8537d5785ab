package object

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/graffiti-protocol/graffiti-go/address"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

const urlScheme = "graffiti:"

// encodeSegment substitutes the two characters the grammar reserves
// (":" -> "!", "/" -> "~") before percent-encoding the rest, so an actor id
// or base64url address segment can never be confused with the "graffiti:"
// scheme's own separators.
func encodeSegment(s string) string {
	s = strings.ReplaceAll(s, ":", "!")
	s = strings.ReplaceAll(s, "/", "~")
	return url.QueryEscape(s)
}

func decodeSegment(s string) (string, error) {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return "", fmt.Errorf("object: malformed URL segment: %w", err)
	}
	decoded = strings.ReplaceAll(decoded, "!", ":")
	decoded = strings.ReplaceAll(decoded, "~", "/")
	return decoded, nil
}

// BuildURL constructs an object URL from an actor id and a content address.
func BuildURL(actor string, addr []byte) string {
	return urlScheme + encodeSegment(actor) + ":" + encodeSegment(base64.RawURLEncoding.EncodeToString(addr))
}

// DecodeURL parses an object URL back into its actor and content address.
// Any form other than "graffiti:<enc-actor>:<enc-content-address>" fails.
func DecodeURL(objectURL string) (actor string, addr []byte, err error) {
	if !strings.HasPrefix(objectURL, urlScheme) {
		return "", nil, fmt.Errorf("%w: missing graffiti: scheme", protoerr.ProtocolViolation)
	}

	rest := strings.TrimPrefix(objectURL, urlScheme)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("%w: malformed object URL", protoerr.ProtocolViolation)
	}

	actor, err = decodeSegment(parts[0])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", protoerr.ProtocolViolation, err)
	}

	addrB64, err := decodeSegment(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", protoerr.ProtocolViolation, err)
	}

	addr, err = base64.RawURLEncoding.DecodeString(addrB64)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid address encoding: %v", protoerr.ProtocolViolation, err)
	}

	if len(addr) != address.Size {
		return "", nil, fmt.Errorf("%w: content address has wrong length", protoerr.ProtocolViolation)
	}

	return actor, addr, nil
}
