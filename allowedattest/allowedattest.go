// Package allowedattest implements allowed attestations (component D): a
// random, single-recipient capability ticket plus an HMAC-SHA-256 proof
// that the ticket's issuer allowed a specific recipient actor, without
// revealing any other recipient on the same object.
package allowedattest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
)

// TicketSize is the length of an allowed ticket: a 3-byte multihash-style
// header (0x00 0x12 0x20) followed by 32 random bytes.
const TicketSize = 35

// ticketHeader is the fixed 3-byte prefix of every allowed ticket.
var ticketHeader = [3]byte{0x00, 0x12, 0x20}

// ErrInvalidTicket is returned when a ticket does not carry the expected
// 3-byte header.
var ErrInvalidTicket = errors.New("allowedattest: invalid ticket header")

// Attestation pairs a capability ticket with the HMAC proof that the
// holder of the ticket is the actor named in Attest's call.
type Attestation struct {
	Ticket      [TicketSize]byte
	Attestation [sha256.Size]byte
}

func randomBody() ([32]byte, error) {
	var body [32]byte
	if _, err := rand.Read(body[:]); err != nil {
		return body, err
	}
	return body, nil
}

func mac(ticketBody [32]byte, actor string) [sha256.Size]byte {
	h := hmac.New(sha256.New, ticketBody[:])
	h.Write([]byte(actor))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Attest mints a fresh ticket for actor and the HMAC attestation binding
// that ticket to them. Each call produces a new, independent ticket: the
// ticket itself is the only thing a recipient can use to prove inclusion.
func Attest(actor string) (Attestation, error) {
	log := logging.NewLogger("allowedattest", "Attest")
	log.WithField("actor", actor).Debug("minting allowed attestation")

	body, err := randomBody()
	if err != nil {
		log.WithError(err, "rand_failed", "attest").Error("failed to generate ticket randomness")
		return Attestation{}, err
	}

	var ticket [TicketSize]byte
	copy(ticket[0:3], ticketHeader[:])
	copy(ticket[3:], body[:])

	return Attestation{
		Ticket:      ticket,
		Attestation: mac(body, actor),
	}, nil
}

// Validate checks att against actor and ticket: the ticket's header must be
// well formed and the recomputed HMAC over its body must constant-time
// match att.
func Validate(att [sha256.Size]byte, actor string, ticket [TicketSize]byte) (bool, error) {
	log := logging.NewLogger("allowedattest", "Validate")

	if ticket[0] != ticketHeader[0] || ticket[1] != ticketHeader[1] || ticket[2] != ticketHeader[2] {
		log.WithError(ErrInvalidTicket, "bad_header", "validate").Warn("ticket header mismatch")
		return false, ErrInvalidTicket
	}

	var body [32]byte
	copy(body[:], ticket[3:])

	expected := mac(body, actor)
	return hmac.Equal(expected[:], att[:]), nil
}
