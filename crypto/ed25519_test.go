package crypto

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	seed := sha256.Sum256([]byte("c1"))
	pub := PublicKeyFromSeed(seed)

	sig, err := Sign([]byte("did:web:a.test"), seed)
	require.NoError(t, err)

	ok, err := Verify([]byte("did:web:a.test"), sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsOnWrongActor(t *testing.T) {
	seed := sha256.Sum256([]byte("c1"))
	pub := PublicKeyFromSeed(seed)

	sig, err := Sign([]byte("did:web:a.test"), seed)
	require.NoError(t, err)

	ok, err := Verify([]byte("did:web:b.test"), sig, pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyFailsOnWrongPublicID(t *testing.T) {
	seedA := sha256.Sum256([]byte("c1"))
	seedB := sha256.Sum256([]byte("c2"))
	pubB := PublicKeyFromSeed(seedB)

	sig, err := Sign([]byte("did:web:a.test"), seedA)
	require.NoError(t, err)

	ok, err := Verify([]byte("did:web:a.test"), sig, pubB)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignEmptyMessageFails(t *testing.T) {
	seed := sha256.Sum256([]byte("c1"))
	_, err := Sign(nil, seed)
	assert.Error(t, err)
}
