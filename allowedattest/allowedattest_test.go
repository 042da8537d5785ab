package allowedattest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestValidateRoundTrip(t *testing.T) {
	att, err := Attest("did:web:b.test")
	require.NoError(t, err)

	ok, err := Validate(att.Attestation, "did:web:b.test", att.Ticket)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateFailsOnWrongActor(t *testing.T) {
	att, err := Attest("did:web:b.test")
	require.NoError(t, err)

	ok, err := Validate(att.Attestation, "did:web:c.test", att.Ticket)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateFailsOnWrongTicket(t *testing.T) {
	att1, err := Attest("did:web:b.test")
	require.NoError(t, err)
	att2, err := Attest("did:web:b.test")
	require.NoError(t, err)

	ok, err := Validate(att1.Attestation, "did:web:b.test", att2.Ticket)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTicketsAreDistinct(t *testing.T) {
	att1, err := Attest("did:web:b.test")
	require.NoError(t, err)
	att2, err := Attest("did:web:b.test")
	require.NoError(t, err)

	assert.NotEqual(t, att1.Ticket, att2.Ticket)
}
