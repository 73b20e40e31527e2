package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxCollisionAttempts bounds the " (n)" renaming loop.
const MaxCollisionAttempts = 9

// FinalizationRecord is the input to Finalize for one download.
type FinalizationRecord struct {
	TempPath    string
	DestPath    string
	Status      error
	ByteCount   int64
	ContentHash string
}

// Finalize commits or discards a download's staging file and returns the path
// the content ended up at.
//
// A non-nil Status discards the staging file and is returned unchanged. On
// success the staging file replaces the destination; if the destination cannot
// be removed the first free collision name is used instead. Every failure
// removes the staging file.
func Finalize(staging io.Closer, rec FinalizationRecord) (string, error) {
	var closeErr error
	if staging != nil {
		closeErr = staging.Close()
	}

	if rec.Status != nil {
		removeStaging(rec.TempPath)
		return "", rec.Status
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		removeStaging(rec.TempPath)
		return "", &FileSystemError{Op: "close", Path: rec.TempPath, Err: closeErr}
	}

	target, err := commitTarget(rec.DestPath)
	if err != nil {
		removeStaging(rec.TempPath)
		return "", err
	}
	if err := os.Rename(rec.TempPath, target); err != nil {
		removeStaging(rec.TempPath)
		return "", &FileSystemError{Op: "rename", Path: target, Err: err}
	}

	return target, nil
}

// CollisionName inserts " (n)" before the extension of path's base name. Dots
// in a leading run are part of the name; a name with no extension gets the
// suffix appended.
func CollisionName(path string, n int) string {
	dir, base := filepath.Split(path)
	lead := len(base) - len(strings.TrimLeft(base, "."))

	stem, ext := base, ""
	if i := strings.LastIndex(base[lead:], "."); i >= 0 {
		stem, ext = base[:lead+i], base[lead+i:]
	}
	return fmt.Sprintf("%s%s (%d)%s", dir, stem, n, ext)
}

func commitTarget(dest string) (string, error) {
	info, err := os.Lstat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return dest, nil
	}
	if err != nil {
		return "", &FileSystemError{Op: "stat", Path: dest, Err: err}
	}

	// Directories are never replaced, even empty ones.
	if !info.IsDir() {
		if err := os.Remove(dest); err == nil || errors.Is(err, fs.ErrNotExist) {
			return dest, nil
		}
	}

	for n := 1; n <= MaxCollisionAttempts; n++ {
		candidate := CollisionName(dest, n)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", ErrRenameCollisionExhausted
}

func removeStaging(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
