package network

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"gogenaro/crypto"
	"gogenaro/logging"
	"gogenaro/transfer"
)

const (
	// DefaultMaxConcurrentTransfers bounds simultaneous engine transfers.
	DefaultMaxConcurrentTransfers = 4
	// DefaultChunkSize is the copy buffer size for transfer streams.
	DefaultChunkSize = 64 * 1024
	// progressStep is the minimum fraction change between progress events.
	progressStep = 0.01
)

// EngineOptions configures an HTTPEngine.
type EngineOptions struct {
	Bridge *BridgeClient
	// Secret is the account key used to derive per-file parameters and name keys.
	Secret        []byte
	MaxConcurrent int64
	ChunkSize     int
	Logger        *logrus.Logger
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrentTransfers
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	o.Logger = logging.Or(o.Logger)
	return o
}

// HTTPEngine implements transfer.Engine against the bridge REST API with
// client-side AES-CTR encryption.
type HTTPEngine struct {
	bridge  *BridgeClient
	secret  []byte
	slots   *semaphore.Weighted
	chunk   int
	logger  *logrus.Logger
	running sync.WaitGroup
}

// NewHTTPEngine validates options and returns an engine.
func NewHTTPEngine(options EngineOptions) (*HTTPEngine, error) {
	opts := options.withDefaults()
	if opts.Bridge == nil {
		return nil, errors.New("bridge client is required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("account secret is required")
	}
	return &HTTPEngine{
		bridge: opts.Bridge,
		secret: append([]byte(nil), opts.Secret...),
		slots:  semaphore.NewWeighted(opts.MaxConcurrent),
		chunk:  opts.ChunkSize,
		logger: opts.Logger,
	}, nil
}

// Wait blocks until every started transfer goroutine has returned.
func (e *HTTPEngine) Wait() {
	e.running.Wait()
}

type engineTask struct {
	cancel context.CancelFunc
}

func (t *engineTask) Cancel() {
	t.cancel()
}

// StartUpload validates req and uploads it in the background.
func (e *HTTPEngine) StartUpload(ctx context.Context, req transfer.UploadRequest) (transfer.EngineTask, error) {
	if req.Events == nil || req.Source == nil {
		return nil, fmt.Errorf("%w: upload needs a source and events", transfer.ErrInvalidParameters)
	}
	params, err := crypto.UnpackParams(req.Params)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer cancel()
		progress := newProgressEmitter(req.Events, req.Size)
		result := e.upload(taskCtx, req, params, progress)
		progress.close()
		req.Events.OnFinished(result)
	}()
	return &engineTask{cancel: cancel}, nil
}

// StartDownload validates req and downloads it into req.File in the background.
func (e *HTTPEngine) StartDownload(ctx context.Context, req transfer.DownloadRequest) (transfer.EngineTask, error) {
	if req.Events == nil || req.File == nil {
		return nil, fmt.Errorf("%w: download needs a staging file and events", transfer.ErrInvalidParameters)
	}
	params, err := crypto.UnpackParams(req.Params)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer cancel()
		progress := newProgressEmitter(req.Events, 0)
		result := e.download(taskCtx, req, params, progress)
		progress.close()
		req.Events.OnFinished(result)
	}()
	return &engineTask{cancel: cancel}, nil
}

func (e *HTTPEngine) upload(ctx context.Context, req transfer.UploadRequest, supplied *crypto.EncryptionParams, progress *progressEmitter) transfer.EngineResult {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return transfer.EngineResult{Err: cancelledOr(ctx, err)}
	}
	defer e.slots.Release(1)

	index := req.Index
	if len(index) == 0 {
		generated, err := crypto.NewIndex()
		if err != nil {
			return transfer.EngineResult{Err: transfer.CryptoError(err)}
		}
		index = generated
	}
	params := supplied
	if !params.Provided() {
		derived, err := crypto.DeriveFileParams(e.secret, req.BucketID, index)
		if err != nil {
			return transfer.EngineResult{Err: transfer.CryptoError(err)}
		}
		params = derived
	}
	stream, err := crypto.NewStream(params)
	if err != nil {
		return transfer.EngineResult{Err: transfer.CryptoError(err)}
	}
	nameKey, err := crypto.DeriveBucketKey(e.secret, req.BucketID)
	if err != nil {
		return transfer.EngineResult{Err: transfer.CryptoError(err)}
	}
	encryptedName, err := crypto.EncryptName(nameKey, req.FileName)
	if err != nil {
		return transfer.EngineResult{Err: transfer.CryptoError(err)}
	}

	body := &encryptingReader{
		src:      req.Source,
		stream:   stream,
		hash:     sha256.New(),
		progress: progress,
		total:    req.Size,
	}
	meta := UploadMetadata{Name: encryptedName, Index: hex.EncodeToString(index)}
	if supplied != nil {
		meta.RSAKey, meta.RSACtr = supplied.RSAKey, supplied.RSACtr
	}
	fileID, err := e.bridge.UploadFile(ctx, req.BucketID, meta, req.Size, body)
	if err != nil {
		return transfer.EngineResult{Err: cancelledOr(ctx, err)}
	}
	if body.err != nil {
		return transfer.EngineResult{Err: body.err}
	}

	e.logger.WithFields(logrus.Fields{
		"function":  "upload",
		"bucket_id": req.BucketID,
		"file_id":   fileID,
		"bytes":     body.read,
	}).Debug("Upload complete")
	progress.emit(body.read, req.Size, true)
	return transfer.EngineResult{
		FileID:      fileID,
		ByteCount:   body.read,
		ContentHash: hex.EncodeToString(body.hash.Sum(nil)),
	}
}

func (e *HTTPEngine) download(ctx context.Context, req transfer.DownloadRequest, params *crypto.EncryptionParams, progress *progressEmitter) transfer.EngineResult {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return transfer.EngineResult{Err: cancelledOr(ctx, err)}
	}
	defer e.slots.Release(1)

	stream, err := e.bridge.OpenFile(ctx, req.BucketID, req.FileID)
	if err != nil {
		return transfer.EngineResult{Err: cancelledOr(ctx, err)}
	}
	defer stream.Body.Close()

	var keystream cipher.Stream
	if !req.SkipDecrypt {
		if !params.Provided() {
			index, err := crypto.ParseIndex(stream.Index)
			if err != nil || index == nil {
				return transfer.EngineResult{Err: transfer.CryptoError(fmt.Errorf("%w: bridge sent no usable index", transfer.ErrInvalidParameters))}
			}
			params, err = crypto.DeriveFileParams(e.secret, req.BucketID, index)
			if err != nil {
				return transfer.EngineResult{Err: transfer.CryptoError(err)}
			}
		}
		keystream, err = crypto.NewStream(params)
		if err != nil {
			return transfer.EngineResult{Err: transfer.CryptoError(err)}
		}
	}

	hasher := sha256.New()
	buf := make([]byte, e.chunk)
	var written int64
	for {
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if keystream != nil {
				keystream.XORKeyStream(chunk, chunk)
			}
			hasher.Write(chunk)
			if _, err := req.File.Write(chunk); err != nil {
				return transfer.EngineResult{Err: &transfer.FileSystemError{Op: "write", Path: req.TempPath, Err: err}}
			}
			written += int64(n)
			progress.emit(written, stream.Size, false)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return transfer.EngineResult{Err: cancelledOr(ctx, transfer.NetworkError(readErr))}
		}
	}
	if stream.Size >= 0 && written != stream.Size {
		return transfer.EngineResult{Err: transfer.NetworkError(fmt.Errorf("short download: got %d of %d bytes", written, stream.Size))}
	}
	if err := req.File.Sync(); err != nil {
		return transfer.EngineResult{Err: &transfer.FileSystemError{Op: "sync", Path: req.TempPath, Err: err}}
	}

	e.logger.WithFields(logrus.Fields{
		"function":  "download",
		"bucket_id": req.BucketID,
		"file_id":   req.FileID,
		"bytes":     written,
	}).Debug("Download complete")
	progress.emit(written, written, true)
	return transfer.EngineResult{
		ByteCount:   written,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
	}
}

// cancelledOr reports ErrCancelled when ctx was cancelled, err otherwise.
func cancelledOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return transfer.ErrCancelled
	}
	return err
}

// encryptingReader encrypts and hashes plaintext as the HTTP client reads it.
type encryptingReader struct {
	src      io.Reader
	stream   cipher.Stream
	hash     hash.Hash
	progress *progressEmitter
	total    int64
	read     int64
	err      error
}

func (r *encryptingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.hash.Write(p[:n])
		r.stream.XORKeyStream(p[:n], p[:n])
		r.read += int64(n)
		r.progress.emit(r.read, r.total, false)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = &transfer.FileSystemError{Op: "read", Path: "upload source", Err: err}
	}
	return n, err
}

// progressEmitter throttles progress events and drops any after close, since
// the HTTP transport may still read the body after the request returns.
type progressEmitter struct {
	mu     sync.Mutex
	events transfer.EngineEvents
	total  int64
	last   float64
	closed bool
}

func newProgressEmitter(events transfer.EngineEvents, total int64) *progressEmitter {
	return &progressEmitter{events: events, total: total, last: -1}
}

func (p *progressEmitter) emit(bytes, total int64, force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if total <= 0 {
		total = p.total
	}
	fraction := 0.0
	if total > 0 {
		fraction = float64(bytes) / float64(total)
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction == p.last || (!force && fraction < 1 && fraction-p.last < progressStep) {
		return
	}
	p.last = fraction
	p.events.OnProgress(fraction, bytes, total)
}

func (p *progressEmitter) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
