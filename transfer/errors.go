package transfer

import (
	"errors"
	"fmt"

	"gogenaro/crypto"
)

var (
	// ErrDuplicateTransfer matches every DuplicateTransferError.
	ErrDuplicateTransfer = errors.New("transfer already in progress")
	// ErrRenameCollisionExhausted means no free " (n)" name was found for a download.
	ErrRenameCollisionExhausted = fmt.Errorf("no free destination name after %d attempts", MaxCollisionAttempts)
	// ErrInvalidParameters reports malformed key, counter or index material.
	ErrInvalidParameters = crypto.ErrInvalidParameters
	// ErrFileExists means the download destination exists and overwrite was not requested.
	ErrFileExists = errors.New("File already exists")
	// ErrSourceUnavailable means the upload source could not be opened.
	ErrSourceUnavailable = errors.New("Unable to open file")
	// ErrCancelled is the result of a transfer stopped by the consumer.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrUnknownHandle is returned when cancelling a handle that is not active.
	ErrUnknownHandle = errors.New("unknown transfer handle")
	// ErrManagerClosed is returned for transfers requested after Shutdown.
	ErrManagerClosed = errors.New("transfer manager is shut down")
)

// DuplicateTransferError rejects a transfer whose key is already active.
type DuplicateTransferError struct {
	Kind Kind
}

func (e *DuplicateTransferError) Error() string {
	if e.Kind == Download {
		return "File is already downloading"
	}
	return "File is already uploading"
}

// Is reports whether target is ErrDuplicateTransfer.
func (e *DuplicateTransferError) Is(target error) bool {
	return target == ErrDuplicateTransfer
}

// FileSystemError wraps an OS error from staging or finalization.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// Category groups engine failures.
type Category string

const (
	CategoryNetwork   Category = "network"
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate-limit"
	CategoryCrypto    Category = "crypto"
	CategoryCancelled Category = "cancelled"
	CategoryUnknown   Category = "unknown"
)

// EngineError is a failure reported by the storage engine or bridge.
type EngineError struct {
	StatusCode int
	Category   Category
	Message    string
	Err        error
}

func (e *EngineError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return StatusMessage(e.StatusCode)
	}
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is lets cancelled engine errors match ErrCancelled.
func (e *EngineError) Is(target error) bool {
	return target == ErrCancelled && e.Category == CategoryCancelled
}

// StatusMessage returns the consumer-facing message for a bridge status code.
func StatusMessage(code int) string {
	switch code {
	case 400:
		return "Bad request"
	case 401:
		return "Not authorized"
	case 404:
		return "Resource not found"
	case 420:
		return "Transfer rate limit"
	case 429:
		return "Request rate limited"
	case 499:
		return "No Payment Wallet"
	case 500:
		return "Internal error"
	case 501:
		return "Not implemented"
	case 503:
		return "Service unavailable"
	default:
		return "Unknown status error"
	}
}

// StatusError builds an EngineError for a non-success bridge status.
func StatusError(code int) *EngineError {
	category := CategoryUnknown
	switch {
	case code == 401:
		category = CategoryAuth
	case code == 420 || code == 429:
		category = CategoryRateLimit
	case code >= 500:
		category = CategoryNetwork
	}
	return &EngineError{StatusCode: code, Category: category, Message: StatusMessage(code)}
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *EngineError {
	return &EngineError{Category: CategoryNetwork, Message: "Network error", Err: err}
}

// CryptoError wraps an encryption or decryption failure.
func CryptoError(err error) *EngineError {
	return &EngineError{Category: CategoryCrypto, Message: "Encryption error", Err: err}
}
