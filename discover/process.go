package discover

import (
	"context"
	"errors"

	"github.com/graffiti-protocol/graffiti-go/bucket"
	"github.com/graffiti-protocol/graffiti-go/identity"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/object"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

// trimURLTag strips the trailing UTF-8(object_url) tag every announcement
// carries alongside its channel tags (see announce.withURLTag), leaving
// just the channel-attestation-aligned tags object.Validate expects.
func trimURLTag(tags [][]byte) [][]byte {
	if len(tags) == 0 {
		return tags
	}
	return tags[:len(tags)-1]
}

func (e *Engine) relabel(ctx context.Context, ep Endpoint, id string, label inbox.Label) {
	if ep.Token == "" {
		return
	}
	log := logging.NewLogger("discover", "relabel")
	if err := ep.Client.Label(ctx, id, label, ep.Token); err != nil {
		log.WithFields(map[string]interface{}{"id": id, "label": label}).
			WithError(err, "relabel_failed", "relabel").Warn("failed to relabel message")
	}
}

func (e *Engine) fetchObjectBytes(ctx context.Context, senderActor, key string) ([]byte, error) {
	doc, err := e.resolver.Resolve(ctx, senderActor)
	if err != nil {
		return nil, err
	}
	svc, err := doc.ServiceByType(identity.ServiceTypeStorageBucket)
	if err != nil {
		return nil, err
	}
	client := bucket.NewClient(svc.Endpoint, e.doer)
	return client.Get(ctx, key, e.maxObjectBytes)
}

// privateInfoFor builds the PrivateInfo Validate needs for a private
// candidate, given the metadata this particular delivery carried and the
// identity the caller is querying as (empty for an anonymous/public
// caller, in which case a private candidate can never validate).
func privateInfoFor(candidate object.Object, meta inbox.Metadata, viewerActor string) *object.PrivateInfo {
	if !candidate.IsPrivate() {
		return nil
	}
	switch {
	case meta.IsSelf() && meta.SelfTickets != nil:
		return object.NewSelfPrivateInfo(*meta.SelfTickets)
	case meta.IsRecipient() && meta.RecipientIndex != nil:
		return object.NewRecipientPrivateInfo(viewerActor, *meta.RecipientTicket, *meta.RecipientIndex)
	default:
		return nil
	}
}

// processMessage runs the per-message matrix from component I's
// querySingleEndpoint: drop trash/invalid outright, yield server-vouched
// valid messages directly, and for unlabeled messages lazily fetch the
// referenced object bytes and validate them, relabeling the message with
// the outcome. viewerActor identifies who is querying (needed to validate
// a private, recipient-masked candidate); it may be empty for a public,
// unauthenticated caller.
func (e *Engine) processMessage(ctx context.Context, ep Endpoint, lm inbox.LabeledMessage, viewerActor string) (Item, bool) {
	log := logging.NewLogger("discover", "processMessage")

	switch lm.Label {
	case inbox.LabelTrash, inbox.LabelInvalid:
		return Item{}, false
	case inbox.LabelValid:
		return Item{URL: lm.Message.Object.URL, Object: lm.Message.Object}, true
	}

	meta, err := inbox.DecodeMetadata(lm.Message.Meta)
	if err != nil {
		log.WithError(err, "metadata_decode_failed", "process_message").Warn("malformed metadata; relabeling invalid")
		e.relabel(ctx, ep, lm.ID, inbox.LabelInvalid)
		return Item{}, false
	}

	objBytes, fetchErr := e.fetchObjectBytes(ctx, lm.Message.Object.Actor, meta.Key)
	if fetchErr != nil {
		if errors.Is(fetchErr, protoerr.NotFound) && meta.Prior != nil {
			e.relabel(ctx, ep, lm.ID, inbox.LabelTrash)
			if prior, perr := ep.Client.Get(ctx, *meta.Prior, ep.Token); perr == nil && prior.Message.Object.URL == lm.Message.Object.URL {
				e.relabel(ctx, ep, *meta.Prior, inbox.LabelTrash)
			}
			return Item{URL: lm.Message.Object.URL, Tombstone: true}, true
		}
		log.WithError(fetchErr, "fetch_failed", "process_message").Warn("failed to fetch object bytes; relabeling invalid")
		e.relabel(ctx, ep, lm.ID, inbox.LabelInvalid)
		return Item{}, false
	}

	receivedTags := trimURLTag(lm.Message.Tags)
	privateInfo := privateInfoFor(lm.Message.Object, meta, viewerActor)

	if verr := object.Validate(lm.Message.Object, receivedTags, objBytes, privateInfo); verr != nil {
		log.WithError(verr, "validate_failed", "process_message").Warn("object failed validation; relabeling invalid")
		e.relabel(ctx, ep, lm.ID, inbox.LabelInvalid)
		return Item{}, false
	}

	e.relabel(ctx, ep, lm.ID, inbox.LabelValid)
	return Item{URL: lm.Message.Object.URL, Object: lm.Message.Object}, true
}
