package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Request signature headers sent with every bridge call.
const (
	HeaderPublicKey = "x-pubkey"
	HeaderNonce     = "x-nonce"
	HeaderSignature = "x-signature"
)

// SigningKey derives the Ed25519 request-signing key from an account private key.
func SigningKey(accountKey []byte) (ed25519.PrivateKey, error) {
	if len(accountKey) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid account key length: got %d want %d", len(accountKey), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(accountKey), nil
}

// SignRequest signs the canonical form of a bridge request and returns the hex signature.
func SignRequest(privateKey ed25519.PrivateKey, method, path, nonce string) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if nonce == "" {
		return "", fmt.Errorf("nonce is required")
	}

	return hex.EncodeToString(ed25519.Sign(privateKey, canonicalRequest(method, path, nonce))), nil
}

// VerifyRequest checks a hex signature produced by SignRequest.
func VerifyRequest(publicKeyHex, method, path, nonce, signatureHex string) bool {
	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	if nonce == "" {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), canonicalRequest(method, path, nonce), signature)
}

// PublicKeyHex returns the hex public half of a signing key.
func PublicKeyHex(privateKey ed25519.PrivateKey) string {
	return hex.EncodeToString(privateKey.Public().(ed25519.PublicKey))
}

func canonicalRequest(method, path, nonce string) []byte {
	return []byte(strings.ToUpper(method) + "\n" + path + "\n" + nonce)
}
