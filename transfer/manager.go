package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"gogenaro/crypto"
	"gogenaro/logging"
	"gogenaro/storage"
)

// DefaultStagingSuffix is appended to a download's destination to name its staging file.
const DefaultStagingSuffix = ".genarotmp"

// Journal persists transfer lifecycle records. *storage.Store implements it.
type Journal interface {
	BeginTransfer(record storage.TransferRecord) (string, error)
	FinishTransfer(recordID, status string, byteCount int64, contentHash, fileID, errText string) error
	OrphanedTransfers() ([]storage.TransferRecord, error)
	AbandonTransfer(recordID string) error
}

// Options configures a Manager.
type Options struct {
	Engine        Engine
	Registry      *Registry
	Dispatcher    *Dispatcher
	Journal       Journal
	Normalizer    *PathNormalizer
	StagingSuffix string
	// StrictParams rejects a key supplied without a counter (or the reverse)
	// instead of treating both as absent.
	StrictParams bool
	Logger       *logrus.Logger
}

// Progress is one progress event delivered to the consumer.
type Progress struct {
	Handle   Handle
	Fraction float64
	Bytes    int64
	Total    int64
}

// UploadResult is delivered with a StoreFile Finished callback.
type UploadResult struct {
	FileID      string
	ByteCount   int64
	ContentHash string
}

// DownloadResult is delivered with a ResolveFile Finished callback.
type DownloadResult struct {
	ByteCount   int64
	ContentHash string
	// Path is where the content was committed, which differs from the requested
	// destination when a collision name was used.
	Path string
}

// StoreOptions configures StoreFile.
type StoreOptions struct {
	// FileName defaults to the base name of a path source.
	FileName   string
	Index      string
	Key        []byte
	Ctr        []byte
	// RSAKey and RSACtr are wrapped copies of the key material stored with
	// the file for other readers. They are opaque to this package.
	RSAKey     []byte
	RSACtr     []byte
	OnProgress func(Progress)
	OnFinished func(err error, result UploadResult)
}

// ResolveOptions configures ResolveFile.
type ResolveOptions struct {
	Key         []byte
	Ctr         []byte
	Overwrite   bool
	SkipDecrypt bool
	OnProgress  func(Progress)
	OnFinished  func(err error, result DownloadResult)
}

// Source is the content of an upload.
type Source struct {
	path   string
	data   []byte
	inline bool
}

// PathSource uploads the file at path.
func PathSource(path string) Source {
	return Source{path: path}
}

// BytesSource uploads data held in memory.
func BytesSource(data []byte) Source {
	return Source{data: data, inline: true}
}

func (s Source) open() (io.ReadCloser, int64, error) {
	if s.inline {
		return io.NopCloser(bytes.NewReader(s.data)), int64(len(s.data)), nil
	}

	file, err := os.Open(s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.path, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, s.path)
	}
	return file, info.Size(), nil
}

// Manager orchestrates uploads and downloads: it deduplicates by key, drives
// the engine, serializes events through the dispatcher and finalizes downloads.
type Manager struct {
	engine        Engine
	registry      *Registry
	dispatcher    *Dispatcher
	journal       Journal
	normalizer    PathNormalizer
	stagingSuffix string
	strict        bool
	logger        *logrus.Logger

	openSource func(Source) (io.ReadCloser, int64, error)

	ctx     context.Context
	cancel  context.CancelFunc
	active  sync.WaitGroup
	stopped chan struct{}
	stopErr error

	mu     sync.Mutex
	closed bool
}

// NewManager validates opts and builds a Manager. Call Start before use.
func NewManager(opts Options) (*Manager, error) {
	if opts.Engine == nil {
		return nil, errors.New("transfer engine is required")
	}
	logger := logging.Or(opts.Logger)
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(DefaultDispatcherCapacity, logger)
	}
	normalizer := DefaultPathNormalizer()
	if opts.Normalizer != nil {
		normalizer = *opts.Normalizer
	}
	if opts.StagingSuffix == "" {
		opts.StagingSuffix = DefaultStagingSuffix
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:        opts.Engine,
		registry:      opts.Registry,
		dispatcher:    opts.Dispatcher,
		journal:       opts.Journal,
		normalizer:    normalizer,
		stagingSuffix: opts.StagingSuffix,
		strict:        opts.StrictParams,
		logger:        logger,
		openSource:    Source.open,
		ctx:           ctx,
		cancel:        cancel,
		stopped:       make(chan struct{}),
	}, nil
}

// Start sweeps staging files left by a previous process and starts the dispatcher.
func (m *Manager) Start() error {
	if err := m.sweepOrphans(); err != nil {
		return err
	}
	m.dispatcher.Start()
	return nil
}

// Post runs fn on the dispatcher goroutine, after every event already queued.
// It blocks while the queue is full. A callback that posts into a full queue
// deadlocks the dispatcher, and Shutdown cannot stop the dispatcher until every
// blocked Post has returned. After Shutdown it returns ErrDispatcherStopped.
func (m *Manager) Post(fn func()) error {
	return m.dispatcher.Post(fn)
}

// Registry returns the registry used for deduplication.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// StoreFile starts uploading source into bucketID. Pre-flight failures call
// opts.OnFinished before returning and are also returned with InvalidHandle.
func (m *Manager) StoreFile(bucketID string, source Source, opts StoreOptions) (Handle, error) {
	fail := func(err error) (Handle, error) {
		m.logger.WithFields(logrus.Fields{
			"function":  "StoreFile",
			"bucket_id": bucketID,
			"file_name": opts.FileName,
			"error":     err.Error(),
		}).Warn("Upload rejected")
		if opts.OnFinished != nil {
			opts.OnFinished(err, UploadResult{})
		}
		return InvalidHandle, err
	}

	if !m.acquire() {
		return fail(ErrManagerClosed)
	}
	started := false
	defer func() {
		if !started {
			m.active.Done()
		}
	}()

	fileName := opts.FileName
	if fileName == "" && !source.inline {
		fileName = filepath.Base(source.path)
	}
	if bucketID == "" || fileName == "" {
		return fail(fmt.Errorf("%w: bucket id and file name are required", ErrInvalidParameters))
	}

	key := UploadKey(bucketID, fileName)
	if !m.registry.TryBegin(key) {
		return fail(&DuplicateTransferError{Kind: Upload})
	}
	release := func(err error) (Handle, error) {
		m.registry.End(key)
		return fail(err)
	}

	params, err := crypto.NewEncryptionParams(opts.Key, opts.Ctr, m.strict)
	if err != nil {
		return release(err)
	}
	if len(opts.RSAKey) > 0 || len(opts.RSACtr) > 0 {
		params = params.WithRSA(opts.RSAKey, opts.RSACtr)
	}
	packed, err := packParams(params)
	if err != nil {
		return release(err)
	}
	index, err := crypto.ParseIndex(opts.Index)
	if err != nil {
		return release(err)
	}

	reader, size, err := m.openSource(source)
	if err != nil {
		return release(err)
	}

	task := &Task{
		Kind:             Upload,
		bucketID:         bucketID,
		source:           reader,
		onProgress:       opts.OnProgress,
		onUploadFinished: opts.OnFinished,
	}
	handle, ok := m.registry.Bind(key, task)
	if !ok {
		_ = reader.Close()
		return release(fmt.Errorf("bind upload %s: %w", key.Value, ErrDuplicateTransfer))
	}
	task.setState(StateQueued)
	task.recordID = m.journalBegin(task, storage.TransferRecord{
		Handle:   uint64(handle),
		Kind:     storage.TransferKindUpload,
		BucketID: bucketID,
		FileName: fileName,
	})

	engineTask, err := m.engine.StartUpload(m.ctx, UploadRequest{
		BucketID: bucketID,
		FileName: fileName,
		Source:   reader,
		Size:     size,
		Index:    index,
		Params:   packed,
		Events:   &taskEvents{manager: m, task: task},
	})
	if err != nil {
		task.markFinished()
		_ = reader.Close()
		m.journalFinish(task, err, 0, "", "")
		task.setState(StateDone)
		return release(err)
	}
	started = true
	task.attach(engineTask)
	if m.isClosed() {
		task.requestCancel()
	}

	m.logger.WithFields(logrus.Fields{
		"function":  "StoreFile",
		"handle":    handle,
		"bucket_id": bucketID,
		"file_name": fileName,
		"size":      size,
	}).Info("Upload started")
	return handle, nil
}

// ResolveFile starts downloading fileID from bucketID into destPath through a
// staging file. Pre-flight failures call opts.OnFinished before returning and
// are also returned with InvalidHandle.
func (m *Manager) ResolveFile(bucketID, fileID, destPath string, opts ResolveOptions) (Handle, error) {
	fail := func(err error) (Handle, error) {
		m.logger.WithFields(logrus.Fields{
			"function":  "ResolveFile",
			"bucket_id": bucketID,
			"file_id":   fileID,
			"path":      destPath,
			"error":     err.Error(),
		}).Warn("Download rejected")
		if opts.OnFinished != nil {
			opts.OnFinished(err, DownloadResult{})
		}
		return InvalidHandle, err
	}

	if !m.acquire() {
		return fail(ErrManagerClosed)
	}
	started := false
	defer func() {
		if !started {
			m.active.Done()
		}
	}()

	if bucketID == "" || fileID == "" {
		return fail(fmt.Errorf("%w: bucket id and file id are required", ErrInvalidParameters))
	}
	key, err := m.normalizer.DownloadKey(destPath)
	if err != nil {
		return fail(err)
	}
	if !m.registry.TryBegin(key) {
		return fail(&DuplicateTransferError{Kind: Download})
	}
	release := func(err error) (Handle, error) {
		m.registry.End(key)
		return fail(err)
	}

	params, err := crypto.NewEncryptionParams(opts.Key, opts.Ctr, m.strict)
	if err != nil {
		return release(err)
	}
	packed, err := packParams(params)
	if err != nil {
		return release(err)
	}

	if _, err := os.Lstat(destPath); err == nil {
		if !opts.Overwrite {
			return release(ErrFileExists)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return release(&FileSystemError{Op: "stat", Path: destPath, Err: err})
	}

	tempPath := destPath + m.stagingSuffix
	staging, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return release(&FileSystemError{Op: "create", Path: tempPath, Err: err})
	}

	task := &Task{
		Kind:               Download,
		bucketID:           bucketID,
		staging:            staging,
		tempPath:           tempPath,
		destPath:           destPath,
		onProgress:         opts.OnProgress,
		onDownloadFinished: opts.OnFinished,
	}
	handle, ok := m.registry.Bind(key, task)
	if !ok {
		_ = staging.Close()
		removeStaging(tempPath)
		return release(fmt.Errorf("bind download %s: %w", key.Value, ErrDuplicateTransfer))
	}
	task.setState(StateQueued)
	task.recordID = m.journalBegin(task, storage.TransferRecord{
		Handle:   uint64(handle),
		Kind:     storage.TransferKindDownload,
		BucketID: bucketID,
		FileID:   fileID,
		DestPath: destPath,
		TempPath: tempPath,
	})

	engineTask, err := m.engine.StartDownload(m.ctx, DownloadRequest{
		BucketID:    bucketID,
		FileID:      fileID,
		DestPath:    destPath,
		TempPath:    tempPath,
		File:        staging,
		Params:      packed,
		SkipDecrypt: opts.SkipDecrypt,
		Events:      &taskEvents{manager: m, task: task},
	})
	if err != nil {
		task.markFinished()
		_ = staging.Close()
		removeStaging(tempPath)
		m.journalFinish(task, err, 0, "", "")
		task.setState(StateDone)
		return release(err)
	}
	started = true
	task.attach(engineTask)
	if m.isClosed() {
		task.requestCancel()
	}

	m.logger.WithFields(logrus.Fields{
		"function":  "ResolveFile",
		"handle":    handle,
		"bucket_id": bucketID,
		"file_id":   fileID,
		"path":      destPath,
	}).Info("Download started")
	return handle, nil
}

// StoreFileCancel requests cancellation of an upload. The upload still
// finishes through its OnFinished callback, with ErrCancelled.
func (m *Manager) StoreFileCancel(handle Handle) error {
	return m.cancelTask(handle, Upload)
}

// ResolveFileCancel requests cancellation of a download. The staging file is
// removed and OnFinished receives ErrCancelled.
func (m *Manager) ResolveFileCancel(handle Handle) error {
	return m.cancelTask(handle, Download)
}

func (m *Manager) cancelTask(handle Handle, kind Kind) error {
	task := m.registry.Task(handle)
	if task == nil || task.Kind != kind {
		return ErrUnknownHandle
	}

	m.logger.WithFields(logrus.Fields{
		"function": "cancelTask",
		"handle":   handle,
		"kind":     kind.String(),
	}).Info("Cancelling transfer")
	task.requestCancel()
	return nil
}

// Shutdown cancels every active transfer, waits for their Finished callbacks
// and stops the dispatcher. It is safe to call more than once.
//
// Called while a callback is running on the dispatcher, Shutdown cancels
// everything and returns nil without waiting; the teardown completes after
// the callback returns. This also applies to a caller on another goroutine
// that races a running callback, so callers needing completion wait on Done.
func (m *Manager) Shutdown(ctx context.Context) error {
	inCallback := m.dispatcher.Dispatching()

	m.mu.Lock()
	first := !m.closed
	m.closed = true
	m.mu.Unlock()

	if first {
		for _, task := range m.registry.Tasks() {
			task.requestCancel()
		}
		teardownCtx := ctx
		if inCallback {
			teardownCtx = context.WithoutCancel(ctx)
		}
		go m.teardown(teardownCtx)
	}

	if inCallback {
		m.logger.WithFields(logrus.Fields{
			"function": "Shutdown",
		}).Debug("Shutdown requested from a callback, stopping asynchronously")
		return nil
	}

	select {
	case <-m.stopped:
		return m.stopErr
	case <-ctx.Done():
		return fmt.Errorf("wait for transfers: %w", ctx.Err())
	}
}

// Done is closed once Shutdown has stopped the dispatcher.
func (m *Manager) Done() <-chan struct{} {
	return m.stopped
}

// InCallback reports whether a dispatcher callback is running right now.
func (m *Manager) InCallback() bool {
	return m.dispatcher.Dispatching()
}

func (m *Manager) teardown(ctx context.Context) {
	drained := make(chan struct{})
	go func() {
		m.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		m.stopErr = fmt.Errorf("wait for transfers: %w", ctx.Err())
	}

	m.cancel()
	m.dispatcher.Stop()

	m.logger.WithFields(logrus.Fields{
		"function": "Shutdown",
	}).Info("Transfer manager stopped")
	close(m.stopped)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// acquire counts a new transfer against Shutdown's wait, unless already closed.
func (m *Manager) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.active.Add(1)
	return true
}

// post queues fn on the dispatcher. Terminal events run inline if the
// dispatcher has already stopped so the task is still cleaned up.
func (m *Manager) post(fn func(), terminal bool) {
	if err := m.dispatcher.Post(fn); err != nil && terminal {
		fn()
	}
}

func (m *Manager) deliverProgress(task *Task, fraction float64, bytes, total int64) {
	fraction, ok := task.clampProgress(fraction)
	if !ok || task.onProgress == nil {
		return
	}
	task.onProgress(Progress{Handle: task.Handle, Fraction: fraction, Bytes: bytes, Total: total})
}

// complete handles the terminal event on the dispatcher goroutine: finalize,
// release the key, journal, then notify the consumer.
func (m *Manager) complete(task *Task, res EngineResult) {
	first, cancelled := task.markFinished()
	if !first {
		return
	}
	defer m.active.Done()

	err := res.Err
	if cancelled {
		err = ErrCancelled
	}

	var downloadPath string
	switch task.Kind {
	case Download:
		task.setState(StateCommitting)
		downloadPath, err = Finalize(task.staging, FinalizationRecord{
			TempPath:    task.tempPath,
			DestPath:    task.destPath,
			Status:      err,
			ByteCount:   res.ByteCount,
			ContentHash: res.ContentHash,
		})
	case Upload:
		if task.source != nil {
			_ = task.source.Close()
		}
	}

	m.registry.End(task.Key)
	m.journalFinish(task, err, res.ByteCount, res.ContentHash, res.FileID)
	task.setState(StateDone)

	entry := m.logger.WithFields(logrus.Fields{
		"function": "complete",
		"handle":   task.Handle,
		"kind":     task.Kind.String(),
		"bytes":    res.ByteCount,
	})
	if err != nil {
		entry.WithField("error", err.Error()).Warn("Transfer failed")
	} else {
		entry.Info("Transfer finished")
	}

	switch task.Kind {
	case Upload:
		if task.onUploadFinished == nil {
			return
		}
		if err != nil {
			task.onUploadFinished(err, UploadResult{})
			return
		}
		task.onUploadFinished(nil, UploadResult{
			FileID:      res.FileID,
			ByteCount:   res.ByteCount,
			ContentHash: res.ContentHash,
		})
	case Download:
		if task.onDownloadFinished == nil {
			return
		}
		if err != nil {
			task.onDownloadFinished(err, DownloadResult{})
			return
		}
		task.onDownloadFinished(nil, DownloadResult{
			ByteCount:   res.ByteCount,
			ContentHash: res.ContentHash,
			Path:        downloadPath,
		})
	}
}

func packParams(params *crypto.EncryptionParams) ([]byte, error) {
	if params == nil {
		return nil, nil
	}
	return params.MarshalBinary()
}

func (m *Manager) journalBegin(task *Task, record storage.TransferRecord) string {
	if m.journal == nil {
		return ""
	}
	id, err := m.journal.BeginTransfer(record)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "journalBegin",
			"handle":   task.Handle,
			"error":    err.Error(),
		}).Warn("Failed to journal transfer start")
		return ""
	}
	return id
}

func (m *Manager) journalFinish(task *Task, err error, byteCount int64, contentHash, fileID string) {
	if m.journal == nil || task.recordID == "" {
		return
	}

	status := storage.TransferStatusComplete
	errText := ""
	switch {
	case errors.Is(err, ErrCancelled):
		status = storage.TransferStatusCancelled
		errText = err.Error()
	case err != nil:
		status = storage.TransferStatusFailed
		errText = err.Error()
		fileID = ""
	}

	if jerr := m.journal.FinishTransfer(task.recordID, status, byteCount, contentHash, fileID, errText); jerr != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "journalFinish",
			"handle":   task.Handle,
			"error":    jerr.Error(),
		}).Warn("Failed to journal transfer finish")
	}
}

func (m *Manager) sweepOrphans() error {
	if m.journal == nil {
		return nil
	}
	orphans, err := m.journal.OrphanedTransfers()
	if err != nil {
		return fmt.Errorf("load orphaned transfers: %w", err)
	}

	for _, orphan := range orphans {
		if orphan.TempPath != "" {
			if err := os.Remove(orphan.TempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.logger.WithFields(logrus.Fields{
					"function": "sweepOrphans",
					"path":     orphan.TempPath,
					"error":    err.Error(),
				}).Warn("Failed to remove orphaned staging file")
			}
		}
		if err := m.journal.AbandonTransfer(orphan.RecordID); err != nil {
			return fmt.Errorf("abandon transfer %q: %w", orphan.RecordID, err)
		}
		m.logger.WithFields(logrus.Fields{
			"function":  "sweepOrphans",
			"record_id": orphan.RecordID,
			"kind":      orphan.Kind,
		}).Info("Abandoned transfer from previous run")
	}
	return nil
}

// taskEvents adapts engine callbacks for one task onto the dispatcher.
type taskEvents struct {
	manager *Manager
	task    *Task
}

func (e *taskEvents) OnProgress(fraction float64, bytes, total int64) {
	e.manager.post(func() {
		e.manager.deliverProgress(e.task, fraction, bytes, total)
	}, false)
}

func (e *taskEvents) OnFinished(result EngineResult) {
	e.manager.post(func() {
		e.manager.complete(e.task, result)
	}, true)
}
