package transfer

import (
	"context"
	"io"
	"os"
)

// Engine moves encrypted file content to and from the network. Implementations
// deliver events on their own goroutines. If a Start call returns an error the
// engine must not emit any event for that request.
type Engine interface {
	StartUpload(ctx context.Context, req UploadRequest) (EngineTask, error)
	StartDownload(ctx context.Context, req DownloadRequest) (EngineTask, error)
}

// EngineTask is a running engine operation.
type EngineTask interface {
	// Cancel asks the engine to stop. It is best effort and may be called more than once.
	Cancel()
}

// EngineEvents receives engine callbacks. OnFinished is called exactly once and
// no OnProgress call follows it.
type EngineEvents interface {
	OnProgress(fraction float64, bytes, total int64)
	OnFinished(result EngineResult)
}

// EngineResult is the terminal outcome of an engine operation.
type EngineResult struct {
	Err         error
	FileID      string
	ByteCount   int64
	ContentHash string
}

// UploadRequest describes one StoreFile operation.
type UploadRequest struct {
	BucketID string
	FileName string
	Source   io.Reader
	Size     int64
	// Index is the decoded file index, nil to let the engine generate one.
	Index []byte
	// Params is a crypto.EncryptionParams MarshalBinary payload. Without a
	// key/ctr pair the engine derives key material from Index; RSA-wrapped
	// fields are recorded with the file either way.
	Params []byte
	Events EngineEvents
}

// DownloadRequest describes one ResolveFile operation.
type DownloadRequest struct {
	BucketID string
	FileID   string
	DestPath string
	TempPath string
	// File is the open staging file. The engine writes to it but never closes it.
	File *os.File
	// Params is a packed parameter set as in UploadRequest, nil to derive.
	Params      []byte
	SkipDecrypt bool
	Events      EngineEvents
}
