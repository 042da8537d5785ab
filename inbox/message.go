// Package inbox implements the inbox client (component F): send/label/get
// and the resumable, cached, rate-limited paged query/export stream
// against a single inbox endpoint (spec §4.F, wire grammar §6).
package inbox

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/graffiti-protocol/graffiti-go/allowedattest"
	"github.com/graffiti-protocol/graffiti-go/object"
)

// Label is the server-assigned trust state of a message (spec §3).
type Label int

const (
	LabelUnlabeled Label = 0
	LabelValid     Label = 1
	LabelTrash     Label = 2
	LabelInvalid   Label = 3
)

var wireDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}{}),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("inbox: invalid cbor decode options: %v", err))
	}
	return mode
}()

// objectWire is the wire form of object.Object carried as Message.O.
type objectWire struct {
	URL      string      `cbor:"url"`
	Actor    string      `cbor:"actor"`
	Value    interface{} `cbor:"value"`
	Channels []string    `cbor:"channels"`
	Allowed  *[]string   `cbor:"allowed"`
}

func toWire(o object.Object) objectWire {
	return objectWire{URL: o.URL, Actor: o.Actor, Value: o.Value, Channels: o.Channels, Allowed: o.Allowed}
}

func (w objectWire) toObject() object.Object {
	return object.Object{URL: w.URL, Actor: w.Actor, Value: w.Value, Channels: w.Channels, Allowed: w.Allowed}
}

// Receipt records one announcement delivery, kept on the self-copy's
// metadata so a later tombstone can reference it (spec §4.H).
type Receipt struct {
	ID       string  `cbor:"id"`
	Endpoint *string `cbor:"e,omitempty"`
	Actor    *string `cbor:"a,omitempty"`
}

// Metadata is the polymorphic "m" map: base fields common to every
// delivery, plus exactly one of the self-variant or recipient-variant
// discriminants (spec §3, §9 "polymorphic metadata envelopes").
type Metadata struct {
	Key   string  // "k": storage bucket key
	Prior *string // "t": prior tombstoned messageId, if this is a tombstone

	// Self-variant: set only on the self-announcement. Receipts is present
	// (possibly empty) on every self-announcement and absent otherwise, so
	// it alone discriminates the self form even for a public post that
	// carries no tickets.
	SelfTickets *[][allowedattest.TicketSize]byte // "s"
	Receipts    *[]Receipt                        // "n"

	// Recipient-variant: set only on a per-recipient delivery.
	RecipientTicket *[allowedattest.TicketSize]byte // "a"
	RecipientIndex  *int                            // "i"
}

// IsSelf reports whether m carries the self-variant discriminant.
func (m Metadata) IsSelf() bool { return m.Receipts != nil }

// IsRecipient reports whether m carries the recipient-variant discriminant.
func (m Metadata) IsRecipient() bool { return m.RecipientTicket != nil }

type metadataWire struct {
	K string     `cbor:"k"`
	T *string    `cbor:"t,omitempty"`
	S *[][]byte  `cbor:"s,omitempty"`
	N *[]Receipt `cbor:"n,omitempty"`
	A []byte     `cbor:"a,omitempty"`
	I *int       `cbor:"i,omitempty"`
}

// EncodeMetadata canonically encodes m for transmission as Message.M.
func EncodeMetadata(m Metadata) ([]byte, error) {
	wire := metadataWire{K: m.Key, T: m.Prior, I: m.RecipientIndex}

	if m.SelfTickets != nil {
		raw := make([][]byte, len(*m.SelfTickets))
		for i, t := range *m.SelfTickets {
			raw[i] = append([]byte(nil), t[:]...)
		}
		wire.S = &raw
	}
	if m.Receipts != nil {
		// A nil slice would encode as CBOR null and decode as absent,
		// losing the self discriminant; always send an array.
		receipts := *m.Receipts
		if receipts == nil {
			receipts = []Receipt{}
		}
		wire.N = &receipts
	}
	if m.RecipientTicket != nil {
		wire.A = append([]byte(nil), (*m.RecipientTicket)[:]...)
	}

	return cbor.Marshal(wire)
}

// DecodeMetadata parses Message.M back into a Metadata value.
func DecodeMetadata(b []byte) (Metadata, error) {
	var wire metadataWire
	if err := wireDecMode.Unmarshal(b, &wire); err != nil {
		return Metadata{}, fmt.Errorf("inbox: malformed metadata: %w", err)
	}

	m := Metadata{Key: wire.K, Prior: wire.T, RecipientIndex: wire.I}

	if wire.S != nil {
		tickets := make([][allowedattest.TicketSize]byte, len(*wire.S))
		for i, raw := range *wire.S {
			if len(raw) != allowedattest.TicketSize {
				return Metadata{}, fmt.Errorf("inbox: malformed ticket in metadata")
			}
			copy(tickets[i][:], raw)
		}
		m.SelfTickets = &tickets
	}
	if wire.N != nil {
		m.Receipts = wire.N
	}
	if len(wire.A) > 0 {
		if len(wire.A) != allowedattest.TicketSize {
			return Metadata{}, fmt.Errorf("inbox: malformed recipient ticket in metadata")
		}
		var ticket [allowedattest.TicketSize]byte
		copy(ticket[:], wire.A)
		m.RecipientTicket = &ticket
	}

	return m, nil
}

// Message is the wire envelope an inbox stores: tags, the (possibly
// masked) object, and its binary-encoded metadata (spec §3).
type Message struct {
	Tags   [][]byte
	Object object.Object
	Meta   []byte
}

type messageWire struct {
	T [][]byte   `cbor:"t"`
	O objectWire `cbor:"o"`
	M []byte     `cbor:"m"`
}

// Encode canonically encodes a Message for PUT /send.
func (msg Message) Encode() ([]byte, error) {
	wire := messageWire{T: msg.Tags, O: toWire(msg.Object), M: msg.Meta}
	return cbor.Marshal(wire)
}

// DecodeMessage parses a binary message body.
func DecodeMessage(b []byte) (Message, error) {
	var wire messageWire
	if err := wireDecMode.Unmarshal(b, &wire); err != nil {
		return Message{}, fmt.Errorf("inbox: malformed message: %w", err)
	}
	return Message{Tags: wire.T, Object: wire.O.toObject(), Meta: wire.M}, nil
}

// LabeledMessage is a server-tagged message as returned by get/query/export.
type LabeledMessage struct {
	ID      string
	Message Message
	Label   Label
}

type labeledMessageWire struct {
	ID string      `cbor:"id"`
	M  messageWire `cbor:"m"`
	L  int         `cbor:"l"`
}

// Encode canonically encodes a LabeledMessage (used by the cache and by
// test fixtures standing in for a server response).
func (lm LabeledMessage) Encode() ([]byte, error) {
	wire := labeledMessageWire{
		ID: lm.ID,
		M:  messageWire{T: lm.Message.Tags, O: toWire(lm.Message.Object), M: lm.Message.Meta},
		L:  int(lm.Label),
	}
	return cbor.Marshal(wire)
}

// DecodeLabeledMessage parses a binary labeled-message body.
func DecodeLabeledMessage(b []byte) (LabeledMessage, error) {
	var wire labeledMessageWire
	if err := wireDecMode.Unmarshal(b, &wire); err != nil {
		return LabeledMessage{}, fmt.Errorf("inbox: malformed labeled message: %w", err)
	}
	msg := Message{Tags: wire.M.T, Object: wire.M.O.toObject(), Meta: wire.M.M}
	return LabeledMessage{ID: wire.ID, Message: msg, Label: Label(wire.L)}, nil
}
