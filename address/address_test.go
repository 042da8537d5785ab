package address

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndUnique(t *testing.T) {
	a1, err := Register("sha2-256", []byte("hello"))
	require.NoError(t, err)
	a2, err := Register("sha2-256", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	a3, err := Register("sha2-256", []byte("world"))
	require.NoError(t, err)
	assert.NotEqual(t, a1, a3)
}

func TestRegisterMatchesSHA256Layout(t *testing.T) {
	digest := sha256.Sum256([]byte("hello"))
	addr, err := Register("sha2-256", []byte("hello"))
	require.NoError(t, err)

	require.Len(t, addr, Size)
	assert.Equal(t, byte(0x12), addr[0])
	assert.Equal(t, byte(0x20), addr[1])
	assert.Equal(t, digest[:], addr[2:])
}

func TestRegisterUnsupportedMethod(t *testing.T) {
	_, err := Register("blake3", []byte("hello"))
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestMethodOf(t *testing.T) {
	addr, err := Register("sha2-256", []byte("hello"))
	require.NoError(t, err)

	method, err := MethodOf(addr)
	require.NoError(t, err)
	assert.Equal(t, "sha2-256", method)
}

func TestMethodOfRejectsWrongLength(t *testing.T) {
	_, err := MethodOf([]byte{0x12, 0x20, 0x01})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}
