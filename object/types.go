// Package object implements object encoding and validation (component E):
// turning a post into the canonical binary envelope that is hashed to
// produce its content address, and validating a received envelope against
// the channel/allowed attestations and address embedded in an object's URL.
package object

import (
	"github.com/graffiti-protocol/graffiti-go/allowedattest"
)

// Object is the public-facing representation of a post: its URL, owning
// actor, arbitrary JSON-like value, the channels it was posted to, and its
// recipient list (nil for public, a possibly-empty slice for private).
type Object struct {
	URL      string
	Actor    string
	Value    interface{}
	Channels []string
	Allowed  *[]string
}

// IsPrivate reports whether the object carries an explicit allowed list.
func (o Object) IsPrivate() bool { return o.Allowed != nil }

// PartialObject is the caller-supplied input to Encode: everything needed
// to mint a new Object except the actor, which Encode takes separately so
// the same partial object can't accidentally be encoded under the wrong
// identity.
type PartialObject struct {
	Value    interface{}
	Channels []string
	Allowed  *[]string
}

// EncodeResult bundles everything Encode produces: the public object, the
// ordered tag list to announce it under, the canonical envelope bytes, and
// (for private objects) one allowed ticket per recipient, in order.
type EncodeResult struct {
	Object         Object
	Tags           [][]byte
	ObjectBytes    []byte
	AllowedTickets [][allowedattest.TicketSize]byte
}

// PrivateInfo supplies the recipient-specific context Validate needs to
// check an object's allowed attestations. Exactly one of the two
// constructors below should be used to build it.
type PrivateInfo struct {
	selfCase bool

	// self-case: the tickets this actor already knows it issued, aligned
	// with Object.Allowed.
	selfTickets [][allowedattest.TicketSize]byte

	// recipient-case: the single ticket this recipient was handed, and
	// the index they occupy in Object.Allowed.
	recipient       string
	recipientTicket [allowedattest.TicketSize]byte
	recipientIndex  int
}

// NewSelfPrivateInfo builds the self-case PrivateInfo: the actor who
// created a private object already knows the full allowed list and the
// tickets it minted for each recipient, aligned by index.
func NewSelfPrivateInfo(tickets [][allowedattest.TicketSize]byte) *PrivateInfo {
	return &PrivateInfo{selfCase: true, selfTickets: tickets}
}

// NewRecipientPrivateInfo builds the recipient-case PrivateInfo: a
// recipient proves their own inclusion using only the ticket they were
// handed and the index metadata carried on their delivery.
func NewRecipientPrivateInfo(recipient string, ticket [allowedattest.TicketSize]byte, index int) *PrivateInfo {
	return &PrivateInfo{recipient: recipient, recipientTicket: ticket, recipientIndex: index}
}
