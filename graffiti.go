// Package graffiti wires components A-J into the four top-level flows a
// caller actually drives: post, get, delete, and discover. It mirrors the
// teacher's top-level Tox struct (toxcore.go), which wires crypto, dht,
// friend, and messaging into one handle instead of leaving callers to
// assemble the component packages themselves.
package graffiti

import (
	"context"
	"fmt"

	"github.com/graffiti-protocol/graffiti-go/announce"
	"github.com/graffiti-protocol/graffiti-go/bucket"
	"github.com/graffiti-protocol/graffiti-go/discover"
	"github.com/graffiti-protocol/graffiti-go/identity"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/object"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
	"github.com/graffiti-protocol/graffiti-go/schema"
	"github.com/graffiti-protocol/graffiti-go/session"
	"github.com/graffiti-protocol/graffiti-go/transport"
)

// Config holds the process-wide options named in spec §6: fallback public
// inboxes for anonymous reads, and the login UI's identity-creator link
// (consulted only by callers building a login dialog, never by the core).
type Config struct {
	DefaultInboxEndpoints   []string
	IdentityCreatorEndpoint string
	MaxObjectBytes          int64
}

// DefaultConfig returns a Config with the discovery pipeline's default
// object-size cap and no configured fallback inboxes.
func DefaultConfig() Config {
	return Config{MaxObjectBytes: discover.DefaultMaxObjectBytes}
}

// Option configures a Client constructed by New.
type Option func(*Client)

// WithDoer overrides the HTTP transport used for bucket/inbox calls.
// Defaults to transport.DefaultClient().
func WithDoer(doer transport.HTTPDoer) Option {
	return func(c *Client) { c.doer = doer }
}

// WithInboxCache overrides the inbox client's local cache. Defaults to an
// in-memory cache; pass an inbox.BoltCache for a cache that survives a
// restart.
func WithInboxCache(cache inbox.Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithSessionStore overrides where login state persists. Defaults to an
// in-memory store; pass a session.BoltStore for one that survives a
// restart.
func WithSessionStore(store session.Store) Option {
	return func(c *Client) { c.sessions = session.NewManager(store) }
}

// Client is one actor's handle onto the protocol: it resolves identity
// documents, dials bucket/inbox clients, and drives the announce and
// discover engines against whatever session (if any) is currently
// resolved.
type Client struct {
	actor    string
	resolver identity.Resolver
	doer     transport.HTTPDoer
	cache    inbox.Cache
	sessions *session.Manager
	config   Config

	inboxClients map[string]*inbox.Client
	session      *session.Session
}

// New builds a Client for actor, resolving identity documents via
// resolver. Identity resolution and authorization are out of scope for
// this module (spec §1); resolver and the Authorizer passed to Login are
// the caller's external collaborators.
func New(actor string, resolver identity.Resolver, config Config, opts ...Option) *Client {
	c := &Client{
		actor:        actor,
		resolver:     resolver,
		doer:         transport.DefaultClient(),
		cache:        inbox.NewMemCache(),
		sessions:     session.NewManager(session.NewMemStore()),
		config:       config,
		inboxClients: make(map[string]*inbox.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// dialInbox returns a pooled inbox client for endpoint, building one the
// first time it's needed so repeated posts/gets against the same inbox
// reuse its cache and rate limiter.
func (c *Client) dialInbox(endpoint string) *inbox.Client {
	if existing, ok := c.inboxClients[endpoint]; ok {
		return existing
	}
	client := inbox.NewClient(endpoint, c.doer, c.cache)
	c.inboxClients[endpoint] = client
	return client
}

// Login runs the session manager's authorization flow (spec §4.J),
// resolves the result into a rich Session, and caches it on the Client so
// subsequent Post/Get/Delete/Discover calls don't need one passed in.
// authorizer is the caller's external OAuth-like collaborator.
func (c *Client) Login(ctx context.Context, authorizer session.Authorizer) (session.Session, error) {
	doc, err := c.resolver.Resolve(ctx, c.actor)
	if err != nil {
		return session.Session{}, fmt.Errorf("graffiti: failed to resolve own identity: %w", err)
	}
	stored, err := c.sessions.Login(ctx, doc, authorizer)
	if err != nil {
		return session.Session{}, err
	}
	sess, err := session.Resolve(stored, doc)
	if err != nil {
		return session.Session{}, err
	}
	c.session = &sess
	return sess, nil
}

// Logout revokes the actor's current session and clears it from the
// Client.
func (c *Client) Logout(ctx context.Context, revoker session.Revoker) error {
	if err := c.sessions.Logout(ctx, c.actor, revoker); err != nil {
		return err
	}
	c.session = nil
	return nil
}

// Resume reconstitutes a Session from a StoredSession persisted by an
// earlier Login (spec §6 "graffiti-sessions-logged-in"), against a
// freshly resolved identity document, and caches it the same way Login
// does. Use this after a process restart, when Login's in-memory result
// is gone but the session.Store it was saved to still has it.
func (c *Client) Resume(ctx context.Context, stored session.StoredSession) (session.Session, error) {
	doc, err := c.resolver.Resolve(ctx, stored.Actor)
	if err != nil {
		return session.Session{}, err
	}
	sess, err := session.Resolve(stored, doc)
	if err != nil {
		return session.Session{}, err
	}
	c.session = &sess
	return sess, nil
}

// Session returns the Client's currently cached session, if any.
func (c *Client) Session() (session.Session, bool) {
	if c.session == nil {
		return session.Session{}, false
	}
	return *c.session, true
}

// engines builds the announce/discover engines and the self/shared
// inbox endpoint set for sess. Pass nil for an unauthenticated caller, in
// which case only the default public inboxes are returned.
func (c *Client) engines(sess *session.Session) (*announce.Engine, *discover.Engine, []discover.Endpoint) {
	discoverEngine := discover.NewEngine(c.resolver, c.doer, c.config.MaxObjectBytes)

	if sess == nil {
		return nil, discoverEngine, c.defaultEndpoints()
	}

	ownBucket := bucket.NewClient(sess.StorageBucket.Endpoint, c.doer)
	selfInbox := c.dialInbox(sess.PersonalInbox.Endpoint)

	var shared []*inbox.Client
	var endpoints []discover.Endpoint
	endpoints = append(endpoints, discover.Endpoint{Client: selfInbox, Token: sess.PersonalInbox.Token})
	for _, s := range sess.SharedInboxes {
		client := c.dialInbox(s.Endpoint)
		shared = append(shared, client)
		endpoints = append(endpoints, discover.Endpoint{Client: client, Token: s.Token})
	}

	announceEngine := announce.NewEngine(c.actor, c.resolver, ownBucket, selfInbox, shared, c.dialInbox)
	return announceEngine, discoverEngine, endpoints
}

// defaultEndpoints dials the configured public fallback inboxes.
func (c *Client) defaultEndpoints() []discover.Endpoint {
	var endpoints []discover.Endpoint
	for _, ep := range c.config.DefaultInboxEndpoints {
		endpoints = append(endpoints, discover.Endpoint{Client: c.dialInbox(ep)})
	}
	return endpoints
}

// Post encodes partial into a fully-formed object, stores its envelope in
// the actor's own bucket, and announces it: one self-announcement plus
// either per-recipient personal-inbox deliveries (private) or shared-inbox
// deliveries (public). sess must be a logged-in session for this actor;
// Post always requires one (posting anonymously is not meaningful: there
// is no bucket/inbox to post to without one).
func (c *Client) Post(ctx context.Context, partial object.PartialObject, sess session.Session) (object.Object, error) {
	log := logging.NewLogger("graffiti", "Post").WithCaller()
	log.WithField("actor", c.actor).Entry("post")
	defer log.Exit()

	if sess.Actor != c.actor {
		return object.Object{}, fmt.Errorf("%w: session actor does not match client actor", protoerr.Forbidden)
	}

	res, err := object.Encode(partial, c.actor)
	if err != nil {
		return object.Object{}, err
	}

	announceEngine, _, _ := c.engines(&sess)
	if _, err := announceEngine.Post(ctx, res, sess.StorageBucket.Token, nil); err != nil {
		return object.Object{}, err
	}

	log.WithField("url", res.Object.URL).Info("post complete")
	return res.Object, nil
}

// Get looks up objectURL across the inbox set: the logged-in actor's own
// personal + shared inboxes when sess is non-nil, otherwise the
// configured default public inboxes. When sess is non-nil, sess.Actor is
// the viewer used to validate a private object addressed to them.
//
// When sess is present but objectURL's embedded actor differs from
// sess.Actor, the session's own inbox set is still attempted first (a
// logged-in user resolving someone else's public post should not
// silently downgrade to the anonymous defaults); only once that lookup
// itself fails does Get retry against the configured default public
// inboxes.
func (c *Client) Get(ctx context.Context, objectURL string, sch *schema.Schema, sess *session.Session, candidateChannels ...string) (object.Object, error) {
	log := logging.NewLogger("graffiti", "Get").WithCaller()
	log.WithField("url", objectURL).Entry("get")
	defer log.Exit()

	_, discoverEngine, endpoints := c.engines(sess)
	viewerActor := ""
	if sess != nil {
		viewerActor = sess.Actor
	}

	obj, err := discoverEngine.Get(ctx, objectURL, sch, endpoints, viewerActor, candidateChannels...)
	if err == nil || sess == nil {
		return obj, err
	}

	actor, _, derr := object.DecodeURL(objectURL)
	if derr != nil || actor == sess.Actor {
		return obj, err
	}

	fallback := c.defaultEndpoints()
	if len(fallback) == 0 {
		return obj, err
	}

	log.WithFields(logging.OperationFields("get_fallback", "retrying", logging.BytesPreview([]byte(objectURL), "url"))).
		WithError(err, "session_inbox_lookup_failed", "get").Debug("session's own inbox set missed; falling back to default public inboxes")
	return discoverEngine.Get(ctx, objectURL, sch, fallback, viewerActor, candidateChannels...)
}

// Delete tombstones objectURL: sess.Actor must match the URL's embedded
// actor (spec §4.I, scenario e), deletes the bucket value, and
// re-announces referencing every prior announcement's message id so
// destination servers can collapse them.
func (c *Client) Delete(ctx context.Context, objectURL string, sess session.Session) error {
	log := logging.NewLogger("graffiti", "Delete").WithCaller()
	log.WithField("url", objectURL).Entry("delete")
	defer log.Exit()

	if sess.Actor != c.actor {
		return protoerr.Forbidden
	}

	announceEngine, discoverEngine, endpoints := c.engines(&sess)
	selfEndpoint := endpoints[0] // engines() always places self-inbox first when sess is non-nil
	ownBucket := bucket.NewClient(sess.StorageBucket.Endpoint, c.doer)

	return discoverEngine.Delete(ctx, objectURL, sess.Actor, selfEndpoint, ownBucket, sess.StorageBucket.Token, announceEngine)
}

// Discover fans a channel-tag query out across the logged-in actor's
// inboxes (or the configured defaults when sess is nil) and returns a
// merged, deduplicated stream of objects and tombstones.
func (c *Client) Discover(ctx context.Context, channels []string, sch *schema.Schema, sess *session.Session) (*discover.DiscoverStream, error) {
	log := logging.NewLogger("graffiti", "Discover").WithCaller()
	log.WithField("channels", channels).Entry("discover")
	defer log.Exit()

	_, discoverEngine, endpoints := c.engines(sess)
	viewerActor := ""
	if sess != nil {
		viewerActor = sess.Actor
	}
	return discoverEngine.Discover(ctx, channels, sch, endpoints, viewerActor)
}

// ContinueDiscover resumes a previously serialized MultiCursor.
func (c *Client) ContinueDiscover(ctx context.Context, cur discover.MultiCursor, sess *session.Session) (*discover.DiscoverStream, error) {
	_, discoverEngine, endpoints := c.engines(sess)
	viewerActor := ""
	if sess != nil {
		viewerActor = sess.Actor
	}
	return discoverEngine.ContinueDiscover(ctx, cur, endpoints, viewerActor)
}
