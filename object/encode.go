package object

import (
	"fmt"

	"github.com/graffiti-protocol/graffiti-go/address"
	"github.com/graffiti-protocol/graffiti-go/allowedattest"
	"github.com/graffiti-protocol/graffiti-go/channelattest"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

// Encode turns a partial object into a fully-formed, content-addressed
// Object: it attests each channel and (for private objects) each
// recipient, canonically encodes the envelope, and derives the object's
// URL from the actor and the envelope's content address.
func Encode(partial PartialObject, actor string) (EncodeResult, error) {
	log := logging.NewLogger("object", "Encode")
	log.WithFields(map[string]interface{}{
		"actor":         actor,
		"channel_count": len(partial.Channels),
		"private":       partial.Allowed != nil,
	}).Debug("encoding object")

	fanout := len(partial.Channels)
	if partial.Allowed != nil {
		fanout += len(*partial.Allowed)
	}
	if fanout > MaxTagCount {
		err := fmt.Errorf("%w: %d channels+recipients exceeds max %d", protoerr.TooLarge, fanout, MaxTagCount)
		log.WithError(err, "fanout_too_large", "encode").Warn("rejected oversized fan-out")
		return EncodeResult{}, err
	}

	tags := make([][]byte, 0, len(partial.Channels))
	channelSigs := make([][]byte, 0, len(partial.Channels))
	for _, channel := range partial.Channels {
		att, err := channelattest.Attest(actor, channel)
		if err != nil {
			log.WithError(err, "channel_attest_failed", "encode").Error("failed to attest channel")
			return EncodeResult{}, err
		}
		tags = append(tags, append([]byte(nil), att.PublicID[:]...))
		channelSigs = append(channelSigs, att.Signature[:])
	}

	var allowedMACs [][]byte
	var tickets [][allowedattest.TicketSize]byte
	if partial.Allowed != nil {
		for _, recipient := range *partial.Allowed {
			att, err := allowedattest.Attest(recipient)
			if err != nil {
				log.WithError(err, "allowed_attest_failed", "encode").Error("failed to attest recipient")
				return EncodeResult{}, err
			}
			allowedMACs = append(allowedMACs, att.Attestation[:])
			tickets = append(tickets, att.Ticket)
		}
	}

	nonce, err := newNonce()
	if err != nil {
		log.WithError(err, "nonce_failed", "encode").Error("failed to generate nonce")
		return EncodeResult{}, err
	}

	envelopeBytes, err := buildEnvelope(partial.Value, channelSigs, allowedMACs, nonce)
	if err != nil {
		log.WithError(err, "build_envelope_failed", "encode").Warn("failed to build envelope")
		return EncodeResult{}, err
	}

	addr, err := address.Register("sha2-256", envelopeBytes)
	if err != nil {
		log.WithError(err, "address_failed", "encode").Error("failed to compute content address")
		return EncodeResult{}, err
	}

	obj := Object{
		URL:      BuildURL(actor, addr),
		Actor:    actor,
		Value:    partial.Value,
		Channels: partial.Channels,
		Allowed:  partial.Allowed,
	}

	log.WithField("url", obj.URL).Info("object encoded")

	return EncodeResult{
		Object:         obj,
		Tags:           tags,
		ObjectBytes:    envelopeBytes,
		AllowedTickets: tickets,
	}, nil
}
