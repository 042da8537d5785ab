package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("hello world"),
		{0x00, 0x12, 0x20, 0xff, 0xfe},
	}

	for _, b := range cases {
		enc := Encode(b)
		assert.True(t, len(enc) > 0)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestDecodeMissingPrefix(t *testing.T) {
	_, err := Decode("aGVsbG8")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestDecodeInvalidBase64(t *testing.T) {
	_, err := Decode("u!!!not-base64!!!")
	assert.Error(t, err)
}
