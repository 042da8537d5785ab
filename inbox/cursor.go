package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/graffiti-protocol/graffiti-go/codec"
)

// queryIdentity is canonically encoded and hashed to produce a query's
// cache key (spec §4.F: "cache key = SHA-256(binary-encoded {url, type,
// body?})").
type queryIdentity struct {
	Endpoint string   `cbor:"url"`
	Kind     string   `cbor:"type"`
	Tags     [][]byte `cbor:"tags,omitempty"`
	Schema   []byte   `cbor:"schema,omitempty"`
}

func cacheKeyFor(endpoint, kind string, tags [][]byte, schemaRaw []byte) (string, error) {
	b, err := cbor.Marshal(queryIdentity{Endpoint: endpoint, Kind: kind, Tags: tags, Schema: schemaRaw})
	if err != nil {
		return "", fmt.Errorf("inbox: failed to encode cache key identity: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// messageCacheKey is the composite key a single message is cached under:
// "enc(url):enc(id)" (spec §4.F).
func messageCacheKey(endpoint, id string) string {
	return codec.Encode([]byte(endpoint)) + ":" + codec.Encode([]byte(id))
}

// Cursor is the opaque, serializable position in a paged inbox stream
// (spec §4.F "Cursor serialization"). It carries just enough for a new
// process to resume: which cached query to consult, the version token
// that detects server-side invalidation, how many results this particular
// reader has already consumed, and the schema it was querying with.
type Cursor struct {
	CacheKey string
	Version  string
	NumSeen  int
	Schema   []byte
}

type cursorWire struct {
	CacheKey string `cbor:"cacheKey"`
	Version  string `cbor:"version"`
	NumSeen  int    `cbor:"numSeen"`
	Schema   []byte `cbor:"schema,omitempty"`
}

// Serialize renders the cursor as an opaque string safe to persist or hand
// back to ContinueQuery.
func (c Cursor) Serialize() (string, error) {
	b, err := cbor.Marshal(cursorWire{CacheKey: c.CacheKey, Version: c.Version, NumSeen: c.NumSeen, Schema: c.Schema})
	if err != nil {
		return "", fmt.Errorf("inbox: failed to encode cursor: %w", err)
	}
	return codec.Encode(b), nil
}

// ParseCursor inverts Serialize.
func ParseCursor(s string) (Cursor, error) {
	b, err := codec.Decode(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("inbox: malformed cursor: %w", err)
	}
	var wire cursorWire
	if err := cbor.Unmarshal(b, &wire); err != nil {
		return Cursor{}, fmt.Errorf("inbox: malformed cursor: %w", err)
	}
	return Cursor{CacheKey: wire.CacheKey, Version: wire.Version, NumSeen: wire.NumSeen, Schema: wire.Schema}, nil
}
