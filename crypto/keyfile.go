package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
)

const (
	keyFileVersion = 3
	keyFileCipher  = "aes-128-ctr"

	// StandardScryptN and StandardScryptP are the work factors written to new key files.
	StandardScryptN = 1 << 18
	StandardScryptP = 1
	// LightScryptN and LightScryptP trade strength for speed.
	LightScryptN = 1 << 12
	LightScryptP = 6

	scryptR     = 8
	scryptDKLen = 32
)

// ErrKeyFileMismatch is returned when the passphrase does not open the key file.
var ErrKeyFileMismatch = errors.New("Key file and passphrase mismatch.")

// KeyFile is an unlocked account key.
type KeyFile struct {
	Address    string
	ID         string
	PrivateKey []byte
}

type keyFileJSON struct {
	Address string        `json:"address"`
	Crypto  keyFileCrypto `json:"crypto"`
	ID      string        `json:"id"`
	Version int           `json:"version"`
}

type keyFileCrypto struct {
	Cipher       string                 `json:"cipher"`
	CipherText   string                 `json:"ciphertext"`
	CipherParams keyFileCipherParams    `json:"cipherparams"`
	KDF          string                 `json:"kdf"`
	KDFParams    map[string]interface{} `json:"kdfparams"`
	MAC          string                 `json:"mac"`
}

type keyFileCipherParams struct {
	IV string `json:"iv"`
}

// ParseKeyFile decrypts a version 3 JSON key file.
func ParseKeyFile(raw []byte, passphrase string) (*KeyFile, error) {
	var doc keyFileJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	if doc.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", doc.Version)
	}
	if doc.Crypto.Cipher != keyFileCipher {
		return nil, fmt.Errorf("unsupported key file cipher %q", doc.Crypto.Cipher)
	}

	mac, err := hex.DecodeString(doc.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode key file mac: %w", err)
	}
	iv, err := hex.DecodeString(doc.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("decode key file iv: %w", err)
	}
	cipherText, err := hex.DecodeString(doc.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode key file ciphertext: %w", err)
	}

	derivedKey, err := keyFileDerivedKey(doc.Crypto, passphrase)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(keyFileMAC(derivedKey, cipherText), mac) != 1 {
		return nil, ErrKeyFileMismatch
	}

	privateKey, err := aesCTRXOR(derivedKey[:16], iv, cipherText)
	if err != nil {
		return nil, err
	}

	return &KeyFile{Address: doc.Address, ID: doc.ID, PrivateKey: privateKey}, nil
}

// SealKeyFile encrypts privateKey into a version 3 JSON key file using scrypt.
func SealKeyFile(privateKey []byte, passphrase string, scryptN, scryptP int) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, errors.New("private key is required")
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate key file salt: %w", err)
	}
	derivedKey, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, fmt.Errorf("derive key file key: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate key file iv: %w", err)
	}
	cipherText, err := aesCTRXOR(derivedKey[:16], iv, privateKey)
	if err != nil {
		return nil, err
	}

	doc := keyFileJSON{
		Address: KeyAddress(privateKey),
		ID:      uuid.NewString(),
		Version: keyFileVersion,
		Crypto: keyFileCrypto{
			Cipher:       keyFileCipher,
			CipherText:   hex.EncodeToString(cipherText),
			CipherParams: keyFileCipherParams{IV: hex.EncodeToString(iv)},
			KDF:          "scrypt",
			KDFParams: map[string]interface{}{
				"n":     scryptN,
				"r":     scryptR,
				"p":     scryptP,
				"dklen": scryptDKLen,
				"salt":  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(keyFileMAC(derivedKey, cipherText)),
		},
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode key file: %w", err)
	}
	return raw, nil
}

// EnsureKeyFile unlocks the key file at path, generating a new account key on first run.
func EnsureKeyFile(path, passphrase string) (*KeyFile, []byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := ParseKeyFile(raw, passphrase)
		if err != nil {
			return nil, nil, err
		}
		return key, raw, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	privateKey := make([]byte, 32)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, nil, fmt.Errorf("generate account key: %w", err)
	}
	raw, err = SealKeyFile(privateKey, passphrase, StandardScryptN, StandardScryptP)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, nil, fmt.Errorf("write key file: %w", err)
	}

	key, err := ParseKeyFile(raw, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return key, raw, nil
}

// KeyAddress returns the hex account address for a private key.
func KeyAddress(privateKey []byte) string {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(privateKey)
	return hex.EncodeToString(hash.Sum(nil)[12:])
}

func keyFileDerivedKey(c keyFileCrypto, passphrase string) ([]byte, error) {
	salt, err := hex.DecodeString(paramString(c.KDFParams, "salt"))
	if err != nil {
		return nil, fmt.Errorf("decode key file salt: %w", err)
	}
	dkLen := paramInt(c.KDFParams, "dklen")
	if dkLen < 32 {
		return nil, fmt.Errorf("key file dklen %d is too short", dkLen)
	}

	switch c.KDF {
	case "scrypt":
		key, err := scrypt.Key([]byte(passphrase), salt,
			paramInt(c.KDFParams, "n"), paramInt(c.KDFParams, "r"), paramInt(c.KDFParams, "p"), dkLen)
		if err != nil {
			return nil, fmt.Errorf("derive key file key: %w", err)
		}
		return key, nil
	case "pbkdf2":
		if prf := paramString(c.KDFParams, "prf"); prf != "hmac-sha256" {
			return nil, fmt.Errorf("unsupported pbkdf2 prf %q", prf)
		}
		return pbkdf2.Key([]byte(passphrase), salt, paramInt(c.KDFParams, "c"), dkLen, sha256.New), nil
	default:
		return nil, fmt.Errorf("unsupported key file kdf %q", c.KDF)
	}
}

func keyFileMAC(derivedKey, cipherText []byte) []byte {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(derivedKey[16:32])
	hash.Write(cipherText)
	return hash.Sum(nil)
}

func aesCTRXOR(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid key file iv length %d", len(iv))
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

func paramInt(params map[string]interface{}, name string) int {
	if v, ok := params[name].(float64); ok {
		return int(v)
	}
	if v, ok := params[name].(int); ok {
		return v
	}
	return 0
}

func paramString(params map[string]interface{}, name string) string {
	v, _ := params[name].(string)
	return v
}
