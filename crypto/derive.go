package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var errEmptySecret = errors.New("derivation secret is required")

// NewIndex returns a fresh random file index.
func NewIndex() ([]byte, error) {
	index := make([]byte, IndexSize)
	if _, err := rand.Read(index); err != nil {
		return nil, fmt.Errorf("generate file index: %w", err)
	}
	return index, nil
}

// DeriveNameKey returns the AES-256 key used to seal bucket and file names.
func DeriveNameKey(secret []byte) ([]byte, error) {
	return expand(secret, nil, "genaro/name", KeySize)
}

// DeriveBucketKey returns the per-bucket root key.
func DeriveBucketKey(secret []byte, bucketID string) ([]byte, error) {
	return expand(secret, nil, "genaro/bucket/"+bucketID, KeySize)
}

// DeriveFileParams derives the key and counter for a file from the account
// secret, its bucket and its index.
func DeriveFileParams(secret []byte, bucketID string, index []byte) (*EncryptionParams, error) {
	if len(index) != IndexSize {
		return nil, fmt.Errorf("%w: index length %d, want %d", ErrInvalidParameters, len(index), IndexSize)
	}
	bucketKey, err := DeriveBucketKey(secret, bucketID)
	if err != nil {
		return nil, err
	}
	material, err := expand(bucketKey, index, "genaro/file", KeySize+CtrSize)
	if err != nil {
		return nil, err
	}
	return &EncryptionParams{Key: material[:KeySize], Ctr: material[KeySize:]}, nil
}

func expand(secret, salt []byte, info string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}
