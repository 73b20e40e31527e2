package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// KeySize is the length of a file encryption key.
	KeySize = 32
	// CtrSize is the length of a file counter (AES-CTR IV).
	CtrSize = 16
	// IndexSize is the length of a decoded file index.
	IndexSize = 32

	indexHexLength = IndexSize * 2
	paramsVersion  = 1
	maxFieldLength = 1 << 16
)

// ErrInvalidParameters reports malformed key, counter or index material.
var ErrInvalidParameters = errors.New("invalid encryption parameters")

// EncryptionParams carries the binary key material for one transfer.
// Every field is an explicit-length byte slice; embedded zero bytes are data.
type EncryptionParams struct {
	Key    []byte
	Ctr    []byte
	RSAKey []byte
	RSACtr []byte
}

// NewEncryptionParams copies key and ctr into a parameter set.
//
// When neither is supplied the result is nil (the engine derives its own).
// When only one is supplied the pair counts as not provided, unless strict is
// set, in which case ErrInvalidParameters is returned. Supplied material of the
// wrong length is always rejected.
func NewEncryptionParams(key, ctr []byte, strict bool) (*EncryptionParams, error) {
	if len(key) == 0 && len(ctr) == 0 {
		return nil, nil
	}
	if len(key) == 0 || len(ctr) == 0 {
		if strict {
			return nil, fmt.Errorf("%w: key and ctr must be supplied together", ErrInvalidParameters)
		}
		return nil, nil
	}

	params := &EncryptionParams{Key: cloneBytes(key), Ctr: cloneBytes(ctr)}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// WithRSA attaches RSA-wrapped copies of the key and counter.
func (p *EncryptionParams) WithRSA(rsaKey, rsaCtr []byte) *EncryptionParams {
	out := p.Clone()
	if out == nil {
		out = &EncryptionParams{}
	}
	out.RSAKey = cloneBytes(rsaKey)
	out.RSACtr = cloneBytes(rsaCtr)
	return out
}

// Provided reports whether both key and counter are present.
func (p *EncryptionParams) Provided() bool {
	return p != nil && len(p.Key) > 0 && len(p.Ctr) > 0
}

// Validate checks key and counter lengths. A set carrying only RSA-wrapped
// material is valid.
func (p *EncryptionParams) Validate() error {
	if p == nil || (len(p.Key) == 0 && len(p.Ctr) == 0) {
		return nil
	}
	if len(p.Key) != KeySize {
		return fmt.Errorf("%w: key length %d, want %d", ErrInvalidParameters, len(p.Key), KeySize)
	}
	if len(p.Ctr) != CtrSize {
		return fmt.Errorf("%w: ctr length %d, want %d", ErrInvalidParameters, len(p.Ctr), CtrSize)
	}
	return nil
}

// Clone returns a deep copy.
func (p *EncryptionParams) Clone() *EncryptionParams {
	if p == nil {
		return nil
	}
	return &EncryptionParams{
		Key:    cloneBytes(p.Key),
		Ctr:    cloneBytes(p.Ctr),
		RSAKey: cloneBytes(p.RSAKey),
		RSACtr: cloneBytes(p.RSACtr),
	}
}

// MarshalBinary packs the parameters as a version byte followed by four
// length-prefixed fields (uint32 big endian length, then bytes).
func (p *EncryptionParams) MarshalBinary() ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil parameters", ErrInvalidParameters)
	}

	var buf bytes.Buffer
	buf.WriteByte(paramsVersion)
	for _, field := range [][]byte{p.Key, p.Ctr, p.RSAKey, p.RSACtr} {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(field)))
		buf.Write(length[:])
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary reverses MarshalBinary. The decoded fields never alias data.
func (p *EncryptionParams) UnmarshalBinary(data []byte) error {
	if len(data) == 0 || data[0] != paramsVersion {
		return fmt.Errorf("%w: unsupported encoding", ErrInvalidParameters)
	}

	rest := data[1:]
	fields := make([][]byte, 4)
	for i := range fields {
		if len(rest) < 4 {
			return fmt.Errorf("%w: truncated length prefix", ErrInvalidParameters)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if n > maxFieldLength || uint32(len(rest)) < n {
			return fmt.Errorf("%w: truncated field", ErrInvalidParameters)
		}
		fields[i] = cloneBytes(rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidParameters, len(rest))
	}

	p.Key, p.Ctr, p.RSAKey, p.RSACtr = fields[0], fields[1], fields[2], fields[3]
	return nil
}

// UnpackParams decodes a MarshalBinary payload and validates it. Empty input
// means no parameters were supplied and yields nil.
func UnpackParams(data []byte) (*EncryptionParams, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var params EncryptionParams
	if err := params.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParseIndex decodes a hex file index. Strings that are not exactly 64
// characters long mean "no index" and yield nil without error.
func ParseIndex(s string) ([]byte, error) {
	if len(s) != indexHexLength {
		return nil, nil
	}
	index, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: index is not hex: %v", ErrInvalidParameters, err)
	}
	return index, nil
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
