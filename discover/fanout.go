package discover

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/graffiti-protocol/graffiti-go/channelattest"
	"github.com/graffiti-protocol/graffiti-go/codec"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
	"github.com/graffiti-protocol/graffiti-go/schema"
)

// channelTags derives the query tags for a channel set: each channel's
// deterministic, secret-free public id (see channelattest.Register).
func channelTags(channels []string) [][]byte {
	tags := make([][]byte, len(channels))
	for i, c := range channels {
		id := channelattest.Register(c)
		tags[i] = id[:]
	}
	return tags
}

// restoreChannels reverse-maps a matched message's channel-attestation tags
// back to the caller's candidate channel names: since channelattest.Register
// is deterministic and secret-free, a caller who already knows the channel
// string can recompute its public id and test tag membership directly,
// without the server ever having learned the channel name itself. A message
// that matched none of the candidate channels is a server protocol
// violation (it should never have been returned by this query).
func restoreChannels(tags [][]byte, channels []string) ([]string, error) {
	var matched []string
	for _, c := range channels {
		id := channelattest.Register(c)
		for _, tag := range tags {
			if len(tag) == len(id) && string(tag) == string(id[:]) {
				matched = append(matched, c)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: matched message carries none of the queried channel tags", protoerr.ProtocolViolation)
	}
	return matched, nil
}

// DiscoverItem is one event from a DiscoverStream: a live object, a
// tombstone, or an error scoped to a single origin endpoint.
type DiscoverItem struct {
	Item
	Origin string
	Err    error
}

type urlState int

const (
	stateAbsent urlState = iota
	stateLive
	stateTombstoned
)

// MultiCursor serializes a Discover stream's overall progress: the channel
// set it was querying and, per endpoint, that endpoint's own inbox cursor.
type MultiCursor struct {
	Channels []string
	Cursors  map[string]inbox.Cursor
}

type multiCursorWire struct {
	Channels []string              `cbor:"channels"`
	Cursors  map[string]cursorEntry `cbor:"cursors"`
}

type cursorEntry struct {
	CacheKey string `cbor:"cacheKey"`
	Version  string `cbor:"version"`
	NumSeen  int    `cbor:"numSeen"`
	Schema   []byte `cbor:"schema,omitempty"`
}

// Serialize renders the cursor as an opaque string safe to persist or hand
// back to ContinueDiscover.
func (m MultiCursor) Serialize() (string, error) {
	wire := multiCursorWire{Channels: m.Channels, Cursors: map[string]cursorEntry{}}
	for endpoint, cur := range m.Cursors {
		wire.Cursors[endpoint] = cursorEntry{CacheKey: cur.CacheKey, Version: cur.Version, NumSeen: cur.NumSeen, Schema: cur.Schema}
	}
	b, err := cbor.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("discover: failed to encode cursor: %w", err)
	}
	return codec.Encode(b), nil
}

// ParseMultiCursor inverts Serialize.
func ParseMultiCursor(s string) (MultiCursor, error) {
	b, err := codec.Decode(s)
	if err != nil {
		return MultiCursor{}, fmt.Errorf("discover: malformed cursor: %w", err)
	}
	var wire multiCursorWire
	if err := cbor.Unmarshal(b, &wire); err != nil {
		return MultiCursor{}, fmt.Errorf("discover: malformed cursor: %w", err)
	}
	out := MultiCursor{Channels: wire.Channels, Cursors: map[string]inbox.Cursor{}}
	for endpoint, c := range wire.Cursors {
		out.Cursors[endpoint] = inbox.Cursor{CacheKey: c.CacheKey, Version: c.Version, NumSeen: c.NumSeen, Schema: c.Schema}
	}
	return out, nil
}

// DiscoverStream merges the query streams of many inboxes into one feed of
// deduplicated objects and tombstones, joined as a race over per-endpoint
// iterators so a slow endpoint never blocks the others.
type DiscoverStream struct {
	results chan DiscoverItem
	cancel  context.CancelFunc

	mu       sync.Mutex
	urlState map[string]urlState

	curMu   sync.Mutex
	cursors map[string]inbox.Cursor
	channels []string
}

type endpointStart struct {
	ep     Endpoint
	stream *inbox.Stream
	err    error
}

func (e *Engine) runDiscover(ctx context.Context, channels []string, viewerActor string, starts []endpointStart) *DiscoverStream {
	streamCtx, cancel := context.WithCancel(ctx)
	ds := &DiscoverStream{
		results:  make(chan DiscoverItem),
		cancel:   cancel,
		urlState: map[string]urlState{},
		cursors:  map[string]inbox.Cursor{},
		channels: channels,
	}

	var wg sync.WaitGroup
	for _, start := range starts {
		wg.Add(1)
		go func(start endpointStart) {
			defer wg.Done()
			e.runEndpointDiscover(streamCtx, ds, start, channels, viewerActor)
		}(start)
	}

	go func() {
		wg.Wait()
		close(ds.results)
	}()

	return ds
}

func (e *Engine) runEndpointDiscover(ctx context.Context, ds *DiscoverStream, start endpointStart, channels []string, viewerActor string) {
	log := logging.NewLogger("discover", "runEndpointDiscover")
	origin := start.ep.Client.Endpoint()

	if start.err != nil {
		select {
		case ds.results <- DiscoverItem{Origin: origin, Err: start.err}:
		case <-ctx.Done():
		}
		return
	}

	stream := start.stream
	for {
		lm, ok, err := stream.Next(ctx)
		if err != nil {
			select {
			case ds.results <- DiscoverItem{Origin: origin, Err: err}:
			case <-ctx.Done():
			}
			break
		}
		if !ok {
			break
		}

		item, yielded := e.processMessage(ctx, start.ep, lm, viewerActor)
		if !yielded {
			continue
		}

		if !item.Tombstone && len(channels) > 0 {
			restored, rerr := restoreChannels(trimURLTag(lm.Message.Tags), channels)
			if rerr != nil {
				log.WithField("url", item.URL).WithError(rerr, "channel_restore_failed", "run_endpoint_discover").Warn("matched message names no candidate channel; dropping")
				select {
				case ds.results <- DiscoverItem{Origin: origin, Err: rerr}:
				case <-ctx.Done():
					return
				}
				continue
			}
			item.Object.Channels = restored
		}

		emit, ok := ds.admit(item)
		if !ok {
			continue
		}
		select {
		case ds.results <- DiscoverItem{Item: emit, Origin: origin}:
		case <-ctx.Done():
			return
		}
	}

	ds.curMu.Lock()
	ds.cursors[origin] = stream.Cursor()
	ds.curMu.Unlock()
}

// admit applies the URL -> tombstone-state map: a live object is admitted
// only the first time its URL is seen; a tombstone is admitted any time it
// is not already recorded as tombstoned, even overriding a live object
// already emitted for the same URL, since tombstones always win.
func (ds *DiscoverStream) admit(item Item) (Item, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	state := ds.urlState[item.URL]
	if item.Tombstone {
		if state == stateTombstoned {
			return Item{}, false
		}
		ds.urlState[item.URL] = stateTombstoned
		return item, true
	}

	if state != stateAbsent {
		return Item{}, false
	}
	ds.urlState[item.URL] = stateLive
	return item, true
}

// Next returns the next merged event, blocking until one endpoint produces
// one or every endpoint has exhausted its stream (ok=false).
func (ds *DiscoverStream) Next(ctx context.Context) (DiscoverItem, bool) {
	select {
	case item, ok := <-ds.results:
		return item, ok
	case <-ctx.Done():
		return DiscoverItem{}, false
	}
}

// Cursor serializes the stream's current overall progress. Safe to call at
// any point, including after Next reports exhaustion.
func (ds *DiscoverStream) Cursor() MultiCursor {
	ds.curMu.Lock()
	defer ds.curMu.Unlock()
	cursors := make(map[string]inbox.Cursor, len(ds.cursors))
	for k, v := range ds.cursors {
		cursors[k] = v
	}
	return MultiCursor{Channels: ds.channels, Cursors: cursors}
}

// Close stops further page fetches after any in-flight ones complete;
// already-queued results may still be drained from Next.
func (ds *DiscoverStream) Close() { ds.cancel() }

// Discover fans a channel-tag query out across endpoints, merging their
// streams into one deduplicated feed of objects and tombstones.
func (e *Engine) Discover(ctx context.Context, channels []string, sch *schema.Schema, endpoints []Endpoint, viewerActor string) (*DiscoverStream, error) {
	tags := channelTags(channels)

	starts := make([]endpointStart, 0, len(endpoints))
	for _, ep := range endpoints {
		stream, err := ep.Client.Query(ctx, tags, sch, ep.Token)
		if err != nil {
			return nil, fmt.Errorf("discover: failed to start query against %s: %w", ep.Client.Endpoint(), err)
		}
		starts = append(starts, endpointStart{ep: ep, stream: stream})
	}

	return e.runDiscover(ctx, channels, viewerActor, starts), nil
}

// ContinueDiscover resumes a previously serialized MultiCursor. Each
// endpoint resumes independently: an endpoint whose cursor the server has
// since expired yields a single {error, origin=that-endpoint} event and the
// stream continues with the others, rather than failing the whole
// resumption (an explicit continuation surfaces expiry per-origin instead
// of silently restarting, matching how a single inbox's ContinueQuery
// behaves for one stream).
func (e *Engine) ContinueDiscover(ctx context.Context, cur MultiCursor, endpoints []Endpoint, viewerActor string) (*DiscoverStream, error) {
	starts := make([]endpointStart, 0, len(endpoints))
	for _, ep := range endpoints {
		endpointCursor, ok := cur.Cursors[ep.Client.Endpoint()]
		if !ok {
			starts = append(starts, endpointStart{ep: ep, err: fmt.Errorf("%w: no saved cursor for endpoint %s", protoerr.CursorExpired, ep.Client.Endpoint())})
			continue
		}
		stream, err := ep.Client.ContinueQuery(ctx, endpointCursor, ep.Token)
		if err != nil {
			if errors.Is(err, protoerr.CursorExpired) {
				starts = append(starts, endpointStart{ep: ep, err: err})
				continue
			}
			return nil, fmt.Errorf("discover: failed to resume query against %s: %w", ep.Client.Endpoint(), err)
		}
		starts = append(starts, endpointStart{ep: ep, stream: stream})
	}

	return e.runDiscover(ctx, cur.Channels, viewerActor, starts), nil
}
