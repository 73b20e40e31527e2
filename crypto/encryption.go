package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// ErrNameNotDecryptable is returned when an encrypted name cannot be opened
// with the caller's key.
var ErrNameNotDecryptable = errors.New("name is not decryptable")

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and IV.
func Encrypt(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return plaintext, nil
}

// EncryptName seals a bucket or file name and returns base64(iv || ciphertext).
func EncryptName(nameKey []byte, name string) (string, error) {
	ciphertext, iv, err := Encrypt(nameKey, []byte(name))
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(iv)+len(ciphertext))
	sealed = append(sealed, iv...)
	sealed = append(sealed, ciphertext...)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptName reverses EncryptName. Names that were never encrypted, or were
// encrypted under another key, yield ErrNameNotDecryptable.
func DecryptName(nameKey []byte, encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrNameNotDecryptable
	}
	aead, err := newGCM(nameKey)
	if err != nil {
		return "", err
	}
	if len(sealed) <= aead.NonceSize() {
		return "", ErrNameNotDecryptable
	}
	plaintext, err := Decrypt(nameKey, sealed[:aead.NonceSize()], sealed[aead.NonceSize():])
	if err != nil {
		return "", ErrNameNotDecryptable
	}
	return string(plaintext), nil
}

// NewStream returns the AES-256-CTR keystream used for file content.
func NewStream(params *EncryptionParams) (cipher.Stream, error) {
	if !params.Provided() {
		return nil, fmt.Errorf("%w: key and ctr are required", ErrInvalidParameters)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(params.Key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewCTR(block, params.Ctr), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
