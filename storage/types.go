package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferKindUpload marks a StoreFile journal row.
	TransferKindUpload = "upload"
	// TransferKindDownload marks a ResolveFile journal row.
	TransferKindDownload = "download"
)

const (
	// TransferStatusRunning is a transfer that has started but not reached a terminal event.
	TransferStatusRunning = "running"
	// TransferStatusComplete is a transfer that finished successfully.
	TransferStatusComplete = "complete"
	// TransferStatusFailed is a transfer that finished with an error.
	TransferStatusFailed = "failed"
	// TransferStatusCancelled is a transfer stopped by the consumer.
	TransferStatusCancelled = "cancelled"
	// TransferStatusAbandoned is a running transfer swept after a restart.
	TransferStatusAbandoned = "abandoned"
)

// TransferRecord is the SQLite representation of one upload or download.
type TransferRecord struct {
	RecordID    string
	Handle      uint64
	Kind        string
	BucketID    string
	FileID      string
	FileName    string
	DestPath    string
	TempPath    string
	Status      string
	ByteCount   int64
	ContentHash string
	Error       string
	StartedAt   int64
	FinishedAt  *int64
}

// TransferFilter narrows ListTransfers query results.
type TransferFilter struct {
	Kind     string
	Status   string
	BucketID string
	Limit    int
	Offset   int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferKind(kind string) error {
	switch kind {
	case TransferKindUpload, TransferKindDownload:
		return nil
	default:
		return fmt.Errorf("invalid transfer kind %q", kind)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusRunning, TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled, TransferStatusAbandoned:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
