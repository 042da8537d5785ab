package inbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
	"github.com/graffiti-protocol/graffiti-go/schema"
	"github.com/graffiti-protocol/graffiti-go/transport"
)

const (
	kindQuery  = "query"
	kindExport = "export"
)

type queryRequestWire struct {
	Tags   [][]byte `cbor:"tags,omitempty"`
	Schema []byte   `cbor:"schema,omitempty"`
}

type pageWire struct {
	Results []labeledMessageWire `cbor:"results"`
	HasMore bool                 `cbor:"hasMore"`
	Cursor  string               `cbor:"cursor"`
}

// Stream is a resumable, cached, rate-limit-aware paged reader over one
// inbox's query or export results (spec §4.F).
type Stream struct {
	client   *Client
	kind     string
	tags     [][]byte
	schema   *schema.Schema
	token    string
	cacheKey string
	version  string
	resumed  bool

	localPos int
	pending  []LabeledMessage
	done     bool
}

// Query starts a fresh query stream filtering by tags, validating each
// result's object value against sch (pass nil to skip schema filtering).
func (c *Client) Query(ctx context.Context, tags [][]byte, sch *schema.Schema, token string) (*Stream, error) {
	return c.newStream(ctx, kindQuery, tags, sch, token)
}

// Export starts a fresh export stream over every message this inbox holds.
func (c *Client) Export(ctx context.Context, token string) (*Stream, error) {
	return c.newStream(ctx, kindExport, nil, nil, token)
}

func (c *Client) newStream(ctx context.Context, kind string, tags [][]byte, sch *schema.Schema, token string) (*Stream, error) {
	log := logging.NewLogger("inbox", "newStream")

	cacheKey, err := cacheKeyFor(c.endpoint, kind, tags, sch.Raw())
	if err != nil {
		return nil, err
	}

	entry, ok, err := c.cache.GetQuery(cacheKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		entry = QueryCacheEntry{Version: uuid.NewString(), Kind: kind, Tags: tags}
		if err := c.cache.PutQuery(cacheKey, entry); err != nil {
			return nil, err
		}
		log.WithField("cache_key", cacheKey).Debug("started fresh query cache entry")
	}

	return &Stream{
		client:   c,
		kind:     kind,
		tags:     tags,
		schema:   sch,
		token:    token,
		cacheKey: cacheKey,
		version:  entry.Version,
	}, nil
}

// ContinueQuery resumes a previously serialized Cursor. If the local cache
// entry for it is gone or its version no longer matches, this returns
// protoerr.CursorExpired immediately; if the server reports the cursor
// expired on a later page fetch, Next returns protoerr.CursorExpired. An
// explicit continuation surfaces expiry to the caller rather than silently
// restarting (spec §4.F, §8 property 9, scenario d).
func (c *Client) ContinueQuery(ctx context.Context, cur Cursor, token string) (*Stream, error) {
	entry, ok, err := c.cache.GetQuery(cur.CacheKey)
	if err != nil {
		return nil, err
	}
	if !ok || entry.Version != cur.Version {
		return nil, protoerr.CursorExpired
	}

	sch, err := schema.Compile(cur.Schema)
	if err != nil {
		return nil, err
	}

	return &Stream{
		client:   c,
		kind:     entry.Kind,
		tags:     entry.Tags,
		schema:   sch,
		token:    token,
		cacheKey: cur.CacheKey,
		version:  cur.Version,
		resumed:  true,
		localPos: cur.NumSeen,
	}, nil
}

// Cursor serializes the stream's current position: how far this reader
// has consumed the shared, cache-backed query state. Safe to call at any
// point, including after Next returns ok=false.
func (s *Stream) Cursor() Cursor {
	return Cursor{CacheKey: s.cacheKey, Version: s.version, NumSeen: s.localPos - len(s.pending), Schema: s.schema.Raw()}
}

// Next returns the next labeled message, blocking on network I/O as
// needed. ok is false once the stream is exhausted (caught up to current
// server state); err is non-nil only on an unrecoverable failure.
func (s *Stream) Next(ctx context.Context) (lm LabeledMessage, ok bool, err error) {
	for {
		if len(s.pending) > 0 {
			lm, s.pending = s.pending[0], s.pending[1:]
			return lm, true, nil
		}
		if s.done {
			return LabeledMessage{}, false, nil
		}

		advanced, err := s.fill(ctx)
		if err != nil {
			return LabeledMessage{}, false, err
		}
		if !advanced {
			s.done = true
		}
	}
}

// fill advances the stream by one step: replaying already-cached results
// past localPos, or fetching the next server page under the query's
// advisory lock if caught up. Returns false once there is genuinely
// nothing more to replay or fetch.
func (s *Stream) fill(ctx context.Context) (bool, error) {
	release := s.client.locks.acquire(s.cacheKey)
	defer release()

	entry, ok, err := s.client.cache.GetQuery(s.cacheKey)
	if err != nil {
		return false, err
	}
	if !ok {
		if s.resumed {
			return false, protoerr.CursorExpired
		}
		entry = QueryCacheEntry{Version: s.version, Kind: s.kind, Tags: s.tags}
		if err := s.client.cache.PutQuery(s.cacheKey, entry); err != nil {
			return false, err
		}
	}

	if entry.Version != s.version {
		if s.resumed {
			return false, protoerr.CursorExpired
		}
		s.version = entry.Version
		s.localPos = 0
	}

	if s.localPos < len(entry.MessageIDs) {
		advanced, err := s.replay(entry)
		if err != nil || advanced {
			return advanced, err
		}
		// Replay caught localPos up to len(MessageIDs) without yielding
		// anything usable (cache entries vanished underneath us); fall
		// through and see whether the server has more.
	}

	if entry.Done {
		return false, nil
	}

	if entry.WaitUntil != nil {
		if err := waitUntil(ctx, *entry.WaitUntil); err != nil {
			return false, err
		}
	}

	return s.fetchPage(ctx, entry)
}

// replay serves cached messages the caller hasn't consumed yet without any
// network call, satisfying the single-writer-per-query property: a reader
// that arrives after another has already refilled the cache never issues
// its own request for the same page.
func (s *Stream) replay(entry QueryCacheEntry) (bool, error) {
	for s.localPos < len(entry.MessageIDs) {
		id := entry.MessageIDs[s.localPos]
		lm, ok, err := s.client.cache.GetMessage(messageCacheKey(s.client.endpoint, id))
		if err != nil {
			return false, err
		}
		if !ok {
			// Cache inconsistency: message evicted independently of its
			// query entry. Skip rather than fail the whole stream.
			s.localPos++
			continue
		}
		s.pending = append(s.pending, lm)
		s.localPos++
	}
	return len(s.pending) > 0, nil
}

func waitUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) fetchPage(ctx context.Context, entry QueryCacheEntry) (bool, error) {
	log := logging.NewLogger("inbox", "fetchPage")

	firstEver := entry.Cursor == "" && len(entry.MessageIDs) == 0
	path := "/" + s.kind
	if entry.Cursor != "" {
		path += "?cursor=" + transport.EncodePathSegment(entry.Cursor)
	}

	var body []byte
	var err error
	if firstEver && s.kind == kindQuery {
		body, err = cbor.Marshal(queryRequestWire{Tags: s.tags, Schema: s.schema.Raw()})
		if err != nil {
			return false, err
		}
	}

	resp, err := s.client.do(ctx, http.MethodPost, s.client.endpoint+path, body, s.token)
	if err != nil {
		log.WithError(err, "transport_error", "fetch_page").Warn("page fetch failed")
		return false, err
	}
	defer resp.Body.Close()

	if waitAt, honored := transport.RetryAfter(resp, time.Now()); honored {
		entry.WaitUntil = &waitAt
	}

	if statusErr := transport.ErrorFromStatus(resp); statusErr != nil {
		if statusErr == protoerr.CursorExpired {
			_ = s.client.cache.DeleteQuery(s.cacheKey)
			if s.resumed {
				return false, protoerr.CursorExpired
			}
			// Fresh query: restart silently from scratch (spec §4.F).
			s.version = uuid.NewString()
			s.localPos = 0
			fresh := QueryCacheEntry{Version: s.version, Kind: s.kind, Tags: s.tags}
			if err := s.client.cache.PutQuery(s.cacheKey, fresh); err != nil {
				return false, err
			}
			return s.fetchPage(ctx, fresh)
		}
		return false, statusErr
	}

	var page pageWire
	if err := wireDecMode.NewDecoder(resp.Body).Decode(&page); err != nil {
		return false, fmt.Errorf("inbox: malformed page response: %w", err)
	}

	added := 0
	for _, wire := range page.Results {
		msg := Message{Tags: wire.M.T, Object: wire.M.O.toObject(), Meta: wire.M.M}
		lm := LabeledMessage{ID: wire.ID, Message: msg, Label: Label(wire.L)}

		if s.schema != nil {
			if verr := s.schema.Validate(lm.Message.Object.Value); verr != nil {
				log.WithError(verr, "schema_mismatch", "fetch_page").Warn("server returned object outside stated schema; dropping")
				continue
			}
		}

		key := messageCacheKey(s.client.endpoint, lm.ID)
		already := false
		for _, seen := range entry.MessageIDs {
			if seen == lm.ID {
				already = true
				break
			}
		}
		if already {
			// Duplicate across pages: prune it (spec §4.F "prunes
			// duplicates") rather than yielding or re-caching it.
			continue
		}

		entry.MessageIDs = append(entry.MessageIDs, lm.ID)
		added++
		if err := s.client.cache.PutMessage(key, lm); err != nil {
			return false, err
		}
		s.pending = append(s.pending, lm)
	}

	entry.Cursor = page.Cursor
	entry.Done = !page.HasMore
	if err := s.client.cache.PutQuery(s.cacheKey, entry); err != nil {
		return false, err
	}

	s.localPos += added
	return len(s.pending) > 0 || !entry.Done, nil
}
