// Package discover implements the discovery/get/delete pipeline (component
// I): merging multiple inbox streams, deduping by object URL, applying
// tombstones, lazily validating server-unlabeled messages, and serializing
// a multi-endpoint cursor so a paused discover() can resume.
package discover

import (
	"github.com/graffiti-protocol/graffiti-go/identity"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/object"
	"github.com/graffiti-protocol/graffiti-go/transport"
)

// Endpoint pairs an inbox client with the (possibly empty) bearer token
// to query and, when non-empty, relabel messages with.
type Endpoint struct {
	Client *inbox.Client
	Token  string
}

// Item is one thing discover/get yields: either a validated object, or a
// tombstone announcement for a URL that is no longer live.
type Item struct {
	URL       string
	Object    object.Object
	Tombstone bool
}

// DefaultMaxObjectBytes bounds a lazily-fetched object's bucket read when
// the caller does not configure one explicitly. An object can never
// legitimately exceed the envelope size cap, so that cap doubles as the
// discovery pipeline's default MAX_OBJECT_SIZE_BYTES.
const DefaultMaxObjectBytes = object.MaxEnvelopeBytes

// Engine runs the discovery pipeline's shared machinery: resolving a
// message sender's bucket to lazily fetch+validate an unlabeled object,
// and relabeling messages once their trust state is known.
type Engine struct {
	resolver       identity.Resolver
	doer           transport.HTTPDoer
	maxObjectBytes int64
}

// NewEngine builds an Engine. maxObjectBytes <= 0 falls back to
// DefaultMaxObjectBytes.
func NewEngine(resolver identity.Resolver, doer transport.HTTPDoer, maxObjectBytes int64) *Engine {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &Engine{resolver: resolver, doer: doer, maxObjectBytes: maxObjectBytes}
}
