package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeURLRoundTrip(t *testing.T) {
	res, err := Encode(PartialObject{
		Value:    map[string]interface{}{"m": "hi"},
		Channels: []string{"c1"},
	}, "did:web:a.test")
	require.NoError(t, err)

	actor, addr, err := DecodeURL(res.Object.URL)
	require.NoError(t, err)
	assert.Equal(t, "did:web:a.test", actor)
	assert.Len(t, addr, 34)
}

func TestEncodePublicThenValidate(t *testing.T) {
	res, err := Encode(PartialObject{
		Value:    map[string]interface{}{"m": "hi"},
		Channels: []string{"c1"},
	}, "did:web:a.test")
	require.NoError(t, err)

	err = Validate(res.Object, res.Tags, res.ObjectBytes, nil)
	assert.NoError(t, err)
}

func TestEncodePrivateThenValidateSelf(t *testing.T) {
	allowed := []string{"did:web:b.test", "did:web:c.test"}
	res, err := Encode(PartialObject{
		Value:   map[string]interface{}{"x": float64(1)},
		Allowed: &allowed,
	}, "did:web:a.test")
	require.NoError(t, err)

	err = Validate(res.Object, res.Tags, res.ObjectBytes, NewSelfPrivateInfo(res.AllowedTickets))
	assert.NoError(t, err)
}

func TestEncodePrivateThenValidateRecipient(t *testing.T) {
	allowed := []string{"did:web:b.test", "did:web:c.test"}
	res, err := Encode(PartialObject{
		Value:   map[string]interface{}{"x": float64(1)},
		Allowed: &allowed,
	}, "did:web:a.test")
	require.NoError(t, err)

	err = Validate(res.Object, res.Tags, res.ObjectBytes,
		NewRecipientPrivateInfo("did:web:b.test", res.AllowedTickets[0], 0))
	assert.NoError(t, err)

	err = Validate(res.Object, res.Tags, res.ObjectBytes,
		NewRecipientPrivateInfo("did:web:b.test", res.AllowedTickets[1], 1))
	assert.Error(t, err)
}

func TestValidateRejectsTamperedBytes(t *testing.T) {
	res, err := Encode(PartialObject{
		Value:    map[string]interface{}{"m": "hi"},
		Channels: []string{"c1"},
	}, "did:web:a.test")
	require.NoError(t, err)

	tampered := append([]byte(nil), res.ObjectBytes...)
	tampered[len(tampered)-1] ^= 0xff

	err = Validate(res.Object, res.Tags, tampered, nil)
	assert.Error(t, err)
}

func TestValidateRejectsMismatchedValue(t *testing.T) {
	res, err := Encode(PartialObject{
		Value:    map[string]interface{}{"m": "hi"},
		Channels: []string{"c1"},
	}, "did:web:a.test")
	require.NoError(t, err)

	forged := res.Object
	forged.Value = map[string]interface{}{"m": "bye"}

	err = Validate(forged, res.Tags, res.ObjectBytes, nil)
	assert.Error(t, err)
}

func TestEncodeTooLarge(t *testing.T) {
	big := make([]byte, MaxEnvelopeBytes)
	_, err := Encode(PartialObject{Value: map[string]interface{}{"blob": string(big)}}, "did:web:a.test")
	assert.Error(t, err)
}

func TestEncodeFanoutTooLarge(t *testing.T) {
	channels := make([]string, MaxTagCount+1)
	for i := range channels {
		channels[i] = "c"
	}
	_, err := Encode(PartialObject{Value: 1, Channels: channels}, "did:web:a.test")
	assert.Error(t, err)
}
