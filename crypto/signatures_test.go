package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSignatureValidity(t *testing.T) {
	key, err := SigningKey(randomBytes(t, 32))
	require.NoError(t, err)

	signature, err := SignRequest(key, "get", "/buckets", "nonce-1")
	require.NoError(t, err)
	assert.True(t, VerifyRequest(PublicKeyHex(key), "GET", "/buckets", "nonce-1", signature))
}

func TestRequestSignatureTamperingRejected(t *testing.T) {
	key, err := SigningKey(randomBytes(t, 32))
	require.NoError(t, err)
	pub := PublicKeyHex(key)

	signature, err := SignRequest(key, "DELETE", "/buckets/b1", "nonce-1")
	require.NoError(t, err)

	assert.False(t, VerifyRequest(pub, "DELETE", "/buckets/b2", "nonce-1", signature))
	assert.False(t, VerifyRequest(pub, "DELETE", "/buckets/b1", "nonce-2", signature))
	assert.False(t, VerifyRequest(pub, "DELETE", "/buckets/b1", "nonce-1", "zz"))

	other, err := SigningKey(randomBytes(t, 32))
	require.NoError(t, err)
	assert.False(t, VerifyRequest(PublicKeyHex(other), "DELETE", "/buckets/b1", "nonce-1", signature))
}

func TestSigningKeyRequiresSeedLength(t *testing.T) {
	_, err := SigningKey([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = SignRequest(nil, "GET", "/", "n")
	assert.Error(t, err)
}
