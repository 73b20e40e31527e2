package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	_, err := rand.Read(out)
	require.NoError(t, err)
	return out
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomBytes(t, 32)
	plaintext := []byte(`{"name":"holiday photos"}`)

	ciphertext, iv, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, iv, 12)
	assert.NotEmpty(t, ciphertext)

	decrypted, err := Decrypt(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptRejectsShortKey(t *testing.T) {
	_, _, err := Encrypt(make([]byte, 16), []byte("x"))
	require.Error(t, err)
}

func TestNameRoundTrip(t *testing.T) {
	key := randomBytes(t, 32)

	sealed, err := EncryptName(key, "report 2018.pdf")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "report")

	name, err := DecryptName(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "report 2018.pdf", name)
}

func TestDecryptNameWithWrongKey(t *testing.T) {
	sealed, err := EncryptName(randomBytes(t, 32), "secret")
	require.NoError(t, err)

	_, err = DecryptName(randomBytes(t, 32), sealed)
	assert.ErrorIs(t, err, ErrNameNotDecryptable)

	_, err = DecryptName(randomBytes(t, 32), "plain-bucket-name")
	assert.ErrorIs(t, err, ErrNameNotDecryptable)
}

func TestStreamIsSymmetric(t *testing.T) {
	params, err := NewEncryptionParams(randomBytes(t, KeySize), randomBytes(t, CtrSize), false)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte{0x00, 0x01, 0xff}, 1000)
	enc, err := NewStream(params)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)
	assert.NotEqual(t, plaintext, ciphertext)

	dec, err := NewStream(params)
	require.NoError(t, err)
	out := make([]byte, len(ciphertext))
	dec.XORKeyStream(out, ciphertext)
	assert.Equal(t, plaintext, out)
}

func TestNewStreamRequiresParams(t *testing.T) {
	_, err := NewStream(nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}
