package discover

import (
	"context"
	"fmt"

	"github.com/graffiti-protocol/graffiti-go/announce"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/object"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
	"github.com/graffiti-protocol/graffiti-go/schema"
)

// Get queries each endpoint in order for tag = UTF-8(objectURL), reducing
// each endpoint's matches to the last non-tombstoned object whose URL
// matches (a later message always supersedes an earlier one for the same
// URL), and returns the first endpoint with any match at all. viewerActor
// identifies who is asking, for validating a private candidate addressed
// to them; pass "" for an anonymous/public lookup.
//
// candidateChannels, if supplied, lets Get refill a public object's
// Channels field the same way discover() does: by recomputing each
// candidate's channel public id and checking it against the message's own
// channel tags. An anonymous get() with no candidate channels in hand (the
// common case — a bare object URL carries no channel names) simply leaves
// Channels unset; restoring it is only possible when the caller already
// knows which channels to test for.
func (e *Engine) Get(ctx context.Context, objectURL string, sch *schema.Schema, endpoints []Endpoint, viewerActor string, candidateChannels ...string) (object.Object, error) {
	log := logging.NewLogger("discover", "Get")
	log.WithField("url", objectURL).Debug("getting object")

	tag := []byte(objectURL)

	for _, ep := range endpoints {
		obj, tombstoned, found, err := e.getFromEndpoint(ctx, ep, tag, objectURL, sch, viewerActor, candidateChannels)
		if err != nil {
			log.WithField("endpoint", ep.Client.Endpoint()).
				WithError(err, "endpoint_failed", "get").Warn("endpoint query failed; trying next")
			continue
		}
		if !found {
			continue
		}
		if tombstoned {
			return object.Object{}, protoerr.NotFound
		}
		return obj, nil
	}

	return object.Object{}, protoerr.NotFound
}

func (e *Engine) getFromEndpoint(ctx context.Context, ep Endpoint, tag []byte, objectURL string, sch *schema.Schema, viewerActor string, candidateChannels []string) (obj object.Object, tombstoned bool, found bool, err error) {
	log := logging.NewLogger("discover", "getFromEndpoint")
	stream, err := ep.Client.Query(ctx, [][]byte{tag}, sch, ep.Token)
	if err != nil {
		return object.Object{}, false, false, err
	}

	for {
		lm, ok, nerr := stream.Next(ctx)
		if nerr != nil {
			return object.Object{}, false, false, nerr
		}
		if !ok {
			break
		}
		if lm.Message.Object.URL != objectURL {
			continue
		}

		item, yielded := e.processMessage(ctx, ep, lm, viewerActor)
		if !yielded {
			continue
		}

		if !item.Tombstone && len(candidateChannels) > 0 {
			if restored, rerr := restoreChannels(trimURLTag(lm.Message.Tags), candidateChannels); rerr == nil {
				item.Object.Channels = restored
			} else {
				log.WithField("url", objectURL).WithError(rerr, "channel_restore_failed", "get_from_endpoint").Debug("no candidate channel matched this delivery's tags")
			}
		}

		obj = item.Object
		tombstoned = item.Tombstone
		found = true
	}

	return obj, tombstoned, found, nil
}

// Delete tombstones the object at objectURL: the URL's embedded actor must
// match sessionActor (otherwise Forbidden, without any network call),
// locates the actor's own prior announcements of it in the self-inbox,
// deletes the bucket value, and re-announces with tombstone references so
// every destination server can collapse its earlier message.
func (e *Engine) Delete(ctx context.Context, objectURL string, sessionActor string, selfInbox Endpoint, ownBucket interface {
	Delete(ctx context.Context, key string, token string) error
}, bucketToken string, engine *announce.Engine) error {
	log := logging.NewLogger("discover", "Delete")
	log.WithField("url", objectURL).Debug("deleting object")

	actor, _, err := object.DecodeURL(objectURL)
	if err != nil {
		return err
	}
	if actor != sessionActor {
		return protoerr.Forbidden
	}

	self, priorReceipts, priorBucketKey, selfID, err := e.findSelfAnnouncement(ctx, selfInbox, objectURL)
	if err != nil {
		return err
	}

	if err := ownBucket.Delete(ctx, priorBucketKey, bucketToken); err != nil {
		log.WithError(err, "bucket_delete_failed", "delete").Error("failed to delete bucket value")
		return fmt.Errorf("discover: failed to delete bucket value: %w", err)
	}

	tombstone := &announce.Tombstone{PriorSelfMessageID: selfID, PriorReceipts: priorReceipts}
	if _, err := engine.PostTombstone(ctx, self, priorBucketKey, tombstone); err != nil {
		return fmt.Errorf("discover: failed to announce tombstone: %w", err)
	}
	return nil
}

// findSelfAnnouncement locates the most recent self-announcement for
// objectURL in the actor's own personal inbox, returning enough of it
// (the prior bucket key, self message id, and the announcement receipts
// recorded on it) to mint a tombstone re-announcement.
func (e *Engine) findSelfAnnouncement(ctx context.Context, selfInbox Endpoint, objectURL string) (res object.EncodeResult, receipts []inbox.Receipt, bucketKey, selfID string, err error) {
	tag := []byte(objectURL)
	stream, err := selfInbox.Client.Query(ctx, [][]byte{tag}, nil, selfInbox.Token)
	if err != nil {
		return object.EncodeResult{}, nil, "", "", err
	}

	found := false
	for {
		lm, ok, nerr := stream.Next(ctx)
		if nerr != nil {
			return object.EncodeResult{}, nil, "", "", nerr
		}
		if !ok {
			break
		}
		if lm.Message.Object.URL != objectURL {
			continue
		}
		meta, merr := inbox.DecodeMetadata(lm.Message.Meta)
		if merr != nil || !meta.IsSelf() {
			continue
		}

		res = object.EncodeResult{
			Object: lm.Message.Object,
			Tags:   trimURLTag(lm.Message.Tags),
		}
		if meta.SelfTickets != nil {
			res.AllowedTickets = *meta.SelfTickets
		}
		if meta.Receipts != nil {
			receipts = *meta.Receipts
		}
		bucketKey = meta.Key
		selfID = lm.ID
		found = true
	}

	if !found {
		return object.EncodeResult{}, nil, "", "", protoerr.NotFound
	}
	return res, receipts, bucketKey, selfID, nil
}
