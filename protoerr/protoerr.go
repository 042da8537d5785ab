// Package protoerr defines the error taxonomy shared across the protocol
// layer: a small set of sentinel errors, tested with errors.Is, that every
// component returns instead of raw wrapped errors so callers can branch on
// failure kind regardless of which component raised it.
package protoerr

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("...: %w", Sentinel) to attach
// context while keeping errors.Is matching intact.
var (
	// NotFound is returned for an absent object, actor service, bucket
	// value, or cursor entry.
	NotFound = errors.New("graffiti: not found")

	// Unauthorized is returned when a call required a bearer token that
	// was missing or rejected by the server.
	Unauthorized = errors.New("graffiti: unauthorized")

	// Forbidden is returned for auth failures and cross-actor mutation
	// attempts (e.g. deleting another actor's object).
	Forbidden = errors.New("graffiti: forbidden")

	// TooLarge is returned when an envelope exceeds the 32 KiB limit, a
	// declared Content-Length exceeds the caller's max_bytes, or streamed
	// bytes exceed max_bytes.
	TooLarge = errors.New("graffiti: too large")

	// CursorExpired is returned on a server 410 or a cache-version
	// mismatch when resuming an explicit continuation.
	CursorExpired = errors.New("graffiti: cursor expired")

	// InvalidSchema is returned when a caller-supplied schema does not
	// compile.
	InvalidSchema = errors.New("graffiti: invalid schema")

	// SchemaMismatch is returned when an object is found but fails the
	// caller's schema.
	SchemaMismatch = errors.New("graffiti: schema mismatch")

	// NotAcceptable is returned when a response's media type is
	// unacceptable to the caller.
	NotAcceptable = errors.New("graffiti: not acceptable")

	// ProtocolViolation is returned when a server returns an object
	// outside its stated schema, bytes hashing to the wrong address, a
	// missing or extra attestation, or mixed public/private envelope
	// flags.
	ProtocolViolation = errors.New("graffiti: protocol violation")
)

// FromHTTPStatus maps a response status code to a sentinel error per the
// wire contract in spec §6. A zero/unmapped status yields ok=false.
func FromHTTPStatus(status int) (err error, ok bool) {
	switch status {
	case 401:
		return Unauthorized, true
	case 403:
		return Forbidden, true
	case 404:
		return NotFound, true
	case 410:
		return CursorExpired, true
	case 413:
		return TooLarge, true
	default:
		return nil, false
	}
}
