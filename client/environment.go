// Package client exposes the storage account as a single Environment:
// bucket and file management calls plus encrypted uploads and downloads,
// all reporting back through callbacks on one dispatcher goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gogenaro/crypto"
	"gogenaro/logging"
	"gogenaro/models"
	"gogenaro/network"
	"gogenaro/transfer"
)

// ErrDestroyed is returned by calls made after Destroy.
var ErrDestroyed = errors.New("environment destroyed")

// Options configures an Environment.
type Options struct {
	// BridgeURL is proto://host[:port]. The port defaults to 80 for http and 443 otherwise.
	BridgeURL string
	// KeyFile is the JSON key file unlocked with Passphrase.
	KeyFile    []byte
	Passphrase string
	UserAgent  string
	// LogLevel is 0 (off) to 4 (debug). Ignored when Logger is set.
	LogLevel int
	Logger   *logrus.Logger

	Journal                transfer.Journal
	StagingSuffix          string
	MaxConcurrentTransfers int
	HTTPTimeout            time.Duration
	// Engine replaces the bridge-backed transfer engine.
	Engine transfer.Engine
}

// Environment is an unlocked account bound to one bridge.
type Environment struct {
	bridge  *network.BridgeClient
	engine  *network.HTTPEngine
	manager *transfer.Manager
	secret  []byte
	nameKey []byte
	address string
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup

	mu        sync.Mutex
	destroyed bool
	done      chan struct{}
}

// New unlocks the key file, connects the bridge client and starts the transfer manager.
func New(opts Options) (*Environment, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(opts.LogLevel, nil)
	}

	key, err := crypto.ParseKeyFile(opts.KeyFile, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	signingKey, err := crypto.SigningKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	nameKey, err := crypto.DeriveNameKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}

	bridge, err := network.NewBridgeClient(network.BridgeOptions{
		URL:            opts.BridgeURL,
		SigningKey:     signingKey,
		UserAgent:      opts.UserAgent,
		RequestTimeout: opts.HTTPTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	env := &Environment{
		bridge:  bridge,
		secret:  key.PrivateKey,
		nameKey: nameKey,
		address: key.Address,
		logger:  logger,
		done:    make(chan struct{}),
	}

	engine := opts.Engine
	if engine == nil {
		env.engine, err = network.NewHTTPEngine(network.EngineOptions{
			Bridge:        bridge,
			Secret:        key.PrivateKey,
			MaxConcurrent: int64(opts.MaxConcurrentTransfers),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		engine = env.engine
	}

	env.manager, err = transfer.NewManager(transfer.Options{
		Engine:        engine,
		Journal:       opts.Journal,
		StagingSuffix: opts.StagingSuffix,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := env.manager.Start(); err != nil {
		return nil, fmt.Errorf("start transfer manager: %w", err)
	}

	env.ctx, env.cancel = context.WithCancel(context.Background())

	logger.WithFields(logrus.Fields{
		"function": "New",
		"bridge":   bridge.URL(),
		"address":  key.Address,
	}).Info("Environment ready")
	return env, nil
}

// Address returns the unlocked account address.
func (e *Environment) Address() string {
	return e.address
}

// Bridge returns the underlying bridge client for synchronous calls.
func (e *Environment) Bridge() *network.BridgeClient {
	return e.bridge
}

// GetInfo fetches the bridge description.
func (e *Environment) GetInfo(cb func(err error, info models.BridgeInfo)) error {
	return call(e, "GetInfo", e.bridge.GetInfo, cb)
}

// GetBuckets lists buckets, decrypting names that were encrypted by this account.
func (e *Environment) GetBuckets(cb func(err error, buckets []models.Bucket)) error {
	return call(e, "GetBuckets", func(ctx context.Context) ([]models.Bucket, error) {
		buckets, err := e.bridge.GetBuckets(ctx)
		if err != nil {
			return nil, err
		}
		for i := range buckets {
			if name, err := crypto.DecryptName(e.nameKey, buckets[i].Name); err == nil {
				buckets[i].Name = name
				buckets[i].Decrypted = true
			}
		}
		return buckets, nil
	}, cb)
}

// CreateBucket creates a bucket whose name is encrypted before it leaves the client.
func (e *Environment) CreateBucket(name string, cb func(err error, bucket models.Bucket)) error {
	return call(e, "CreateBucket", func(ctx context.Context) (models.Bucket, error) {
		encrypted, err := crypto.EncryptName(e.nameKey, name)
		if err != nil {
			return models.Bucket{}, transfer.CryptoError(err)
		}
		bucket, err := e.bridge.CreateBucket(ctx, encrypted)
		if err != nil {
			return models.Bucket{}, err
		}
		bucket.Name = name
		bucket.Decrypted = true
		return bucket, nil
	}, cb)
}

// DeleteBucket removes a bucket.
func (e *Environment) DeleteBucket(bucketID string, cb func(err error)) error {
	return callErr(e, "DeleteBucket", func(ctx context.Context) error {
		return e.bridge.DeleteBucket(ctx, bucketID)
	}, cb)
}

// RenameBucket renames a bucket, encrypting the new name.
func (e *Environment) RenameBucket(bucketID, name string, cb func(err error)) error {
	return callErr(e, "RenameBucket", func(ctx context.Context) error {
		encrypted, err := crypto.EncryptName(e.nameKey, name)
		if err != nil {
			return transfer.CryptoError(err)
		}
		return e.bridge.RenameBucket(ctx, bucketID, encrypted)
	}, cb)
}

// ListFiles lists a bucket's files, decrypting their names.
func (e *Environment) ListFiles(bucketID string, cb func(err error, files []models.File)) error {
	return call(e, "ListFiles", func(ctx context.Context) ([]models.File, error) {
		files, err := e.bridge.ListFiles(ctx, bucketID)
		if err != nil {
			return nil, err
		}
		fileKey, err := crypto.DeriveBucketKey(e.secret, bucketID)
		if err != nil {
			return nil, transfer.CryptoError(err)
		}
		for i := range files {
			if name, err := crypto.DecryptName(fileKey, files[i].Filename); err == nil {
				files[i].Filename = name
				files[i].Decrypted = true
			}
		}
		return files, nil
	}, cb)
}

// DeleteFile removes a file.
func (e *Environment) DeleteFile(bucketID, fileID string, cb func(err error)) error {
	return callErr(e, "DeleteFile", func(ctx context.Context) error {
		return e.bridge.DeleteFile(ctx, bucketID, fileID)
	}, cb)
}

// StoreFile uploads source into bucketID.
func (e *Environment) StoreFile(bucketID string, source transfer.Source, opts transfer.StoreOptions) (transfer.Handle, error) {
	return e.manager.StoreFile(bucketID, source, opts)
}

// StoreFileCancel cancels an upload.
func (e *Environment) StoreFileCancel(handle transfer.Handle) error {
	return e.manager.StoreFileCancel(handle)
}

// ResolveFile downloads fileID into destPath.
func (e *Environment) ResolveFile(bucketID, fileID, destPath string, opts transfer.ResolveOptions) (transfer.Handle, error) {
	return e.manager.ResolveFile(bucketID, fileID, destPath, opts)
}

// ResolveFileCancel cancels a download.
func (e *Environment) ResolveFileCancel(handle transfer.Handle) error {
	return e.manager.ResolveFileCancel(handle)
}

// DecryptName decrypts a bucket name stored by this account.
func (e *Environment) DecryptName(encrypted string) (string, error) {
	return crypto.DecryptName(e.nameKey, encrypted)
}

// Timestamp returns milliseconds since the Unix epoch.
func (e *Environment) Timestamp() int64 {
	return time.Now().UnixMilli()
}

// Destroy cancels bridge calls and transfers, delivers their callbacks and
// stops the dispatcher. Later calls return ErrDestroyed. Safe to call twice.
//
// Destroy may be called from a callback. It then returns nil at once and the
// teardown finishes after the callback returns; Done is closed when it has.
func (e *Environment) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()

	e.cancel()
	if e.manager.InCallback() {
		e.logger.WithFields(logrus.Fields{
			"function": "Destroy",
		}).Debug("Destroy requested from a callback, stopping asynchronously")
		go func() { _ = e.teardown(context.WithoutCancel(ctx)) }()
		return nil
	}
	return e.teardown(ctx)
}

// Done is closed once Destroy has stopped the dispatcher and the engine.
func (e *Environment) Done() <-chan struct{} {
	return e.done
}

func (e *Environment) teardown(ctx context.Context) error {
	defer close(e.done)

	calls := make(chan struct{})
	go func() {
		e.calls.Wait()
		close(calls)
	}()
	select {
	case <-calls:
	case <-ctx.Done():
	}

	err := e.manager.Shutdown(ctx)
	select {
	case <-e.manager.Done():
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("wait for dispatcher: %w", ctx.Err())
		}
	}
	if e.engine != nil {
		e.engine.Wait()
	}

	e.logger.WithFields(logrus.Fields{
		"function": "Destroy",
	}).Info("Environment destroyed")
	return err
}

func (e *Environment) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	e.calls.Add(1)
	return true
}

// call runs fn in the background and delivers its result to cb on the
// dispatcher goroutine.
func call[T any](e *Environment, name string, fn func(context.Context) (T, error), cb func(error, T)) error {
	if !e.begin() {
		return ErrDestroyed
	}

	go func() {
		defer e.calls.Done()

		result, err := fn(e.ctx)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"function": name,
				"error":    err.Error(),
			}).Warn("Bridge call failed")
		} else {
			e.logger.WithFields(logrus.Fields{
				"function": name,
			}).Debug("Bridge call completed")
		}
		if cb == nil {
			return
		}

		deliver := func() { cb(err, result) }
		if postErr := e.manager.Post(deliver); postErr != nil {
			deliver()
		}
	}()
	return nil
}

func callErr(e *Environment, name string, fn func(context.Context) error, cb func(error)) error {
	var wrapped func(error, struct{})
	if cb != nil {
		wrapped = func(err error, _ struct{}) { cb(err) }
	}
	return call(e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, wrapped)
}
