// Package announce implements the announcement engine (component H):
// writing a newly-encoded object's bytes to its owner's storage bucket and
// dispatching the tagged inbox messages that make it discoverable — one
// per recipient for a private post, one per shared inbox for a public
// one, and always a self-announcement carrying the full, unmasked object.
package announce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/graffiti-protocol/graffiti-go/allowedattest"
	"github.com/graffiti-protocol/graffiti-go/bucket"
	"github.com/graffiti-protocol/graffiti-go/identity"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/object"
)

// InboxDialer resolves an inbox endpoint URL to a ready client, letting
// Engine reuse a pooled set of clients instead of building one per
// destination on every post.
type InboxDialer func(endpoint string) *inbox.Client

// Engine dispatches the announcements one actor's posts require.
type Engine struct {
	actor     string
	resolver  identity.Resolver
	ownBucket *bucket.Client
	selfInbox *inbox.Client
	shared    []*inbox.Client
	dial      InboxDialer
}

// NewEngine builds an Engine for actor. ownBucket and selfInbox are this
// actor's own services; shared is the set of shared inboxes public posts
// are announced to; dial resolves a recipient's personal-inbox endpoint
// (taken from their identity document) into a client.
func NewEngine(actor string, resolver identity.Resolver, ownBucket *bucket.Client, selfInbox *inbox.Client, shared []*inbox.Client, dial InboxDialer) *Engine {
	return &Engine{
		actor:     actor,
		resolver:  resolver,
		ownBucket: ownBucket,
		selfInbox: selfInbox,
		shared:    shared,
		dial:      dial,
	}
}

// Tombstone carries the prior announcement's receipts, letting a delete
// re-announcement tell each destination server which earlier message id
// it is collapsing.
type Tombstone struct {
	PriorSelfMessageID string
	PriorReceipts      []inbox.Receipt
}

// Result is what a successful Post leaves behind.
type Result struct {
	SelfMessageID string
	Receipts      []inbox.Receipt
}

func randomBucketKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// urlTag is the extra tag appended to every announcement's tag list
// alongside its channel tags, so a later get(url) can query by
// tag = UTF-8(url) directly rather than re-deriving channel ids.
func urlTag(objectURL string) []byte { return []byte(objectURL) }

func withURLTag(tags [][]byte, objectURL string) [][]byte {
	out := make([][]byte, len(tags), len(tags)+1)
	copy(out, tags)
	return append(out, urlTag(objectURL))
}

func priorIDFor(receipts []inbox.Receipt, actor, endpoint string) *string {
	for _, r := range receipts {
		if actor != "" && r.Actor != nil && *r.Actor == actor {
			id := r.ID
			return &id
		}
		if endpoint != "" && r.Endpoint != nil && *r.Endpoint == endpoint {
			id := r.ID
			return &id
		}
	}
	return nil
}

func maskForRecipient(obj object.Object, recipient string) object.Object {
	allowed := []string{recipient}
	return object.Object{URL: obj.URL, Actor: obj.Actor, Value: obj.Value, Channels: nil, Allowed: &allowed}
}

func maskPublic(obj object.Object) object.Object {
	return object.Object{URL: obj.URL, Actor: obj.Actor, Value: obj.Value, Channels: nil, Allowed: nil}
}

// Post stores res's envelope bytes under a fresh random bucket key and
// dispatches its announcements: personal-inbox deliveries to each
// recipient for a private object, or shared-inbox deliveries for a public
// one, followed always by a self-announcement. bucketToken authorizes the
// bucket write. tombstone, supplied only by a delete re-announcement,
// threads each destination's prior message id through so the server can
// collapse it.
//
// Partial delivery failures to individual recipients or shared inboxes
// are logged, not returned: the caller gets the self-announcement's
// message id and whatever receipts were collected as long as the
// self-announcement itself succeeds.
func (e *Engine) Post(ctx context.Context, res object.EncodeResult, bucketToken string, tombstone *Tombstone) (Result, error) {
	log := logging.NewLogger("announce", "Post")
	log.WithField("url", res.Object.URL).Debug("announcing object")

	key, err := randomBucketKey()
	if err != nil {
		return Result{}, fmt.Errorf("announce: failed to generate bucket key: %w", err)
	}

	if err := e.ownBucket.Put(ctx, key, res.ObjectBytes, bucketToken); err != nil {
		log.WithError(err, "bucket_put_failed", "post").Error("failed to store object bytes")
		return Result{}, fmt.Errorf("announce: failed to store object bytes: %w", err)
	}

	return e.dispatch(ctx, res, key, tombstone)
}

// PostTombstone re-announces a previously posted object as deleted,
// without writing to the bucket again: the prior bucket value is already
// gone by the time a delete reaches this point, so key is carried through
// purely for record-keeping on the re-announcement's metadata.
func (e *Engine) PostTombstone(ctx context.Context, res object.EncodeResult, priorBucketKey string, tombstone *Tombstone) (Result, error) {
	return e.dispatch(ctx, res, priorBucketKey, tombstone)
}

func (e *Engine) dispatch(ctx context.Context, res object.EncodeResult, key string, tombstone *Tombstone) (Result, error) {
	log := logging.NewLogger("announce", "dispatch")

	tags := withURLTag(res.Tags, res.Object.URL)

	var receipts []inbox.Receipt
	if res.Object.IsPrivate() {
		receipts = e.announceToRecipients(ctx, res, key, tags, tombstone)
	} else {
		receipts = e.announceToShared(ctx, res, key, tags, tombstone)
	}

	selfMeta := inbox.Metadata{Key: key, Receipts: &receipts}
	if res.Object.IsPrivate() {
		tickets := append([][allowedattest.TicketSize]byte(nil), res.AllowedTickets...)
		selfMeta.SelfTickets = &tickets
	}
	if tombstone != nil && tombstone.PriorSelfMessageID != "" {
		prior := tombstone.PriorSelfMessageID
		selfMeta.Prior = &prior
	}

	metaBytes, err := inbox.EncodeMetadata(selfMeta)
	if err != nil {
		return Result{}, fmt.Errorf("announce: failed to encode self metadata: %w", err)
	}

	selfID, err := e.selfInbox.Send(ctx, inbox.Message{Tags: tags, Object: res.Object, Meta: metaBytes})
	if err != nil {
		log.WithError(err, "self_send_failed", "dispatch").Error("self-announcement failed")
		return Result{}, fmt.Errorf("announce: self-announcement failed: %w", err)
	}

	log.WithField("self_message_id", selfID).Info("announcement complete")
	return Result{SelfMessageID: selfID, Receipts: receipts}, nil
}

func (e *Engine) announceToRecipients(ctx context.Context, res object.EncodeResult, key string, tags [][]byte, tombstone *Tombstone) []inbox.Receipt {
	log := logging.NewLogger("announce", "announceToRecipients")
	recipients := *res.Object.Allowed

	var receipts []inbox.Receipt
	for i, recipient := range recipients {
		fields := map[string]interface{}{"recipient": recipient, "index": i}

		doc, err := e.resolver.Resolve(ctx, recipient)
		if err != nil {
			log.WithFields(fields).WithError(err, "resolve_failed", "announce_recipient").Warn("failed to resolve recipient identity; skipping delivery")
			continue
		}
		svc, err := doc.ServiceByType(identity.ServiceTypePersonalInbox)
		if err != nil {
			log.WithFields(fields).WithError(err, "no_personal_inbox", "announce_recipient").Warn("recipient has no personal inbox; skipping delivery")
			continue
		}

		idx := i
		meta := inbox.Metadata{Key: key, RecipientTicket: &res.AllowedTickets[i], RecipientIndex: &idx}
		if tombstone != nil {
			meta.Prior = priorIDFor(tombstone.PriorReceipts, recipient, "")
		}
		metaBytes, err := inbox.EncodeMetadata(meta)
		if err != nil {
			log.WithFields(fields).WithError(err, "encode_failed", "announce_recipient").Warn("failed to encode recipient metadata; skipping delivery")
			continue
		}

		masked := maskForRecipient(res.Object, recipient)
		client := e.dial(svc.Endpoint)
		id, err := client.Send(ctx, inbox.Message{Tags: tags, Object: masked, Meta: metaBytes})
		if err != nil {
			log.WithFields(fields).WithError(err, "send_failed", "announce_recipient").Warn("delivery to recipient failed")
			continue
		}

		actor := recipient
		receipts = append(receipts, inbox.Receipt{ID: id, Actor: &actor})
	}
	return receipts
}

func (e *Engine) announceToShared(ctx context.Context, res object.EncodeResult, key string, tags [][]byte, tombstone *Tombstone) []inbox.Receipt {
	log := logging.NewLogger("announce", "announceToShared")
	masked := maskPublic(res.Object)

	var receipts []inbox.Receipt
	for _, client := range e.shared {
		endpoint := client.Endpoint()
		fields := map[string]interface{}{"endpoint": endpoint}

		meta := inbox.Metadata{Key: key}
		if tombstone != nil {
			meta.Prior = priorIDFor(tombstone.PriorReceipts, "", endpoint)
		}
		metaBytes, err := inbox.EncodeMetadata(meta)
		if err != nil {
			log.WithFields(fields).WithError(err, "encode_failed", "announce_shared").Warn("failed to encode shared-inbox metadata; skipping delivery")
			continue
		}

		id, err := client.Send(ctx, inbox.Message{Tags: tags, Object: masked, Meta: metaBytes})
		if err != nil {
			log.WithFields(fields).WithError(err, "send_failed", "announce_shared").Warn("delivery to shared inbox failed")
			continue
		}

		ep := endpoint
		receipts = append(receipts, inbox.Receipt{ID: id, Endpoint: &ep})
	}
	return receipts
}
