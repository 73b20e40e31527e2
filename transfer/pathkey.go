package transfer

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind distinguishes uploads from downloads.
type Kind int

const (
	// Upload is a StoreFile transfer.
	Upload Kind = iota + 1
	// Download is a ResolveFile transfer.
	Download
)

func (k Kind) String() string {
	switch k {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// Key identifies a transfer for deduplication. Upload and download keys never
// collide because Kind is part of the key.
type Key struct {
	Kind  Kind
	Value string
}

// UploadKey returns the key for storing fileName into bucketID. The value is
// matched exactly; bucket IDs and file names are not normalized.
func UploadKey(bucketID, fileName string) Key {
	return Key{Kind: Upload, Value: bucketID + "/" + fileName}
}

// PathNormalizer turns a destination path into a canonical download key.
type PathNormalizer struct {
	// FoldCase lowercases paths for case-insensitive filesystems.
	FoldCase bool
}

// DefaultPathNormalizer folds case on platforms whose default filesystems are
// case-insensitive.
func DefaultPathNormalizer() PathNormalizer {
	return PathNormalizer{FoldCase: runtime.GOOS == "windows" || runtime.GOOS == "darwin"}
}

// Normalize makes path absolute, cleans it and converts separators to '/'.
// Symlinks are not resolved.
func (n PathNormalizer) Normalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: destination path is required", ErrInvalidParameters)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &FileSystemError{Op: "resolve", Path: path, Err: err}
	}
	normalized := filepath.ToSlash(filepath.Clean(abs))
	if n.FoldCase {
		normalized = strings.ToLower(normalized)
	}
	return normalized, nil
}

// DownloadKey returns the key for resolving a file into path.
func (n PathNormalizer) DownloadKey(path string) (Key, error) {
	normalized, err := n.Normalize(path)
	if err != nil {
		return Key{}, err
	}
	return Key{Kind: Download, Value: normalized}, nil
}
