package network_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gogenaro/crypto"
	"gogenaro/logging"
	"gogenaro/network"
	"gogenaro/network/bridgetest"
	"gogenaro/transfer"
)

const waitTimeout = 10 * time.Second

type harness struct {
	server  *bridgetest.Server
	engine  *network.HTTPEngine
	manager *transfer.Manager
	bridge  *network.BridgeClient
	secret  []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	secret := newSigningKey(t)
	server, client := newBridge(t, secret)
	engine, err := network.NewHTTPEngine(network.EngineOptions{
		Bridge:    client,
		Secret:    secret,
		ChunkSize: 1024,
		Logger:    logging.New(logging.LevelOff, nil),
	})
	require.NoError(t, err)

	manager, err := transfer.NewManager(transfer.Options{
		Engine: engine,
		Logger: logging.New(logging.LevelOff, nil),
	})
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = manager.Shutdown(ctx)
		engine.Wait()
	})

	return &harness{server: server, engine: engine, manager: manager, bridge: client, secret: secret}
}

type uploadOutcome struct {
	err    error
	result transfer.UploadResult
}

type downloadOutcome struct {
	err    error
	result transfer.DownloadResult
}

func wait[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for transfer")
		var zero T
		return zero
	}
}

func (h *harness) upload(t *testing.T, bucketID, name string, content []byte, opts transfer.StoreOptions) uploadOutcome {
	t.Helper()
	ch := make(chan uploadOutcome, 1)
	opts.FileName = name
	opts.OnFinished = func(err error, res transfer.UploadResult) { ch <- uploadOutcome{err, res} }
	_, err := h.manager.StoreFile(bucketID, transfer.BytesSource(content), opts)
	require.NoError(t, err)
	return wait(t, ch)
}

func TestEngineUploadDownloadRoundTrip(t *testing.T) {
	h := newHarness(t)
	bucket := h.server.AddBucket("b")
	content := bytes.Repeat([]byte("genaro\x00"), 5000)

	up := h.upload(t, bucket.ID, "data.bin", content, transfer.StoreOptions{})
	require.NoError(t, up.err)
	assert.NotEmpty(t, up.result.FileID)
	assert.Equal(t, int64(len(content)), up.result.ByteCount)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), up.result.ContentHash)

	stored, ok := h.server.FileContent(bucket.ID, up.result.FileID)
	require.True(t, ok)
	assert.Len(t, stored, len(content))
	assert.NotEqual(t, content, stored, "content is encrypted at rest")

	dir := t.TempDir()
	dest := filepath.Join(dir, "data.bin")
	var fractions []float64
	ch := make(chan downloadOutcome, 1)
	_, err := h.manager.ResolveFile(bucket.ID, up.result.FileID, dest, transfer.ResolveOptions{
		OnProgress: func(p transfer.Progress) { fractions = append(fractions, p.Fraction) },
		OnFinished: func(err error, res transfer.DownloadResult) { ch <- downloadOutcome{err, res} },
	})
	require.NoError(t, err)

	down := wait(t, ch)
	require.NoError(t, down.err)
	assert.Equal(t, dest, down.result.Path)
	assert.Equal(t, up.result.ContentHash, down.result.ContentHash)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, dest+transfer.DefaultStagingSuffix)

	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
}

func TestEngineExplicitKeyAndSkipDecrypt(t *testing.T) {
	h := newHarness(t)
	bucket := h.server.AddBucket("b")
	content := []byte("explicit key material")
	key := bytes.Repeat([]byte{0x00, 0x11}, crypto.KeySize/2)
	ctr := make([]byte, crypto.CtrSize)

	up := h.upload(t, bucket.ID, "k.txt", content, transfer.StoreOptions{Key: key, Ctr: ctr})
	require.NoError(t, up.err)

	params, err := crypto.NewEncryptionParams(key, ctr, true)
	require.NoError(t, err)
	stream, err := crypto.NewStream(params)
	require.NoError(t, err)
	stored, _ := h.server.FileContent(bucket.ID, up.result.FileID)
	plain := make([]byte, len(stored))
	stream.XORKeyStream(plain, stored)
	assert.Equal(t, content, plain)

	dir := t.TempDir()
	ch := make(chan downloadOutcome, 1)
	_, err = h.manager.ResolveFile(bucket.ID, up.result.FileID, filepath.Join(dir, "raw.bin"), transfer.ResolveOptions{
		SkipDecrypt: true,
		OnFinished:  func(err error, res transfer.DownloadResult) { ch <- downloadOutcome{err, res} },
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, ch).err)

	raw, err := os.ReadFile(filepath.Join(dir, "raw.bin"))
	require.NoError(t, err)
	assert.Equal(t, stored, raw)
}

func TestEngineRecordsWrappedKeyMaterial(t *testing.T) {
	h := newHarness(t)
	bucket := h.server.AddBucket("b")

	up := h.upload(t, bucket.ID, "shared.txt", []byte("shared"), transfer.StoreOptions{
		RSAKey: []byte{0x00, 0xab, 0x00},
		RSACtr: []byte{0xcd},
	})
	require.NoError(t, up.err)

	listed, err := h.bridge.ListFiles(context.Background(), bucket.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "00ab00", listed[0].RSAKey)
	assert.Equal(t, "cd", listed[0].RSACtr)
}

func TestEngineUploadIntoMissingBucket(t *testing.T) {
	h := newHarness(t)

	up := h.upload(t, "no-such-bucket", "a.txt", []byte("x"), transfer.StoreOptions{})
	require.Error(t, up.err)
	assert.Contains(t, up.err.Error(), "Resource not found")
	assert.Empty(t, up.result.FileID)
}

func TestEngineDownloadMissingFileCleansStaging(t *testing.T) {
	h := newHarness(t)
	bucket := h.server.AddBucket("b")
	dir := t.TempDir()
	dest := filepath.Join(dir, "missing.bin")

	ch := make(chan downloadOutcome, 1)
	_, err := h.manager.ResolveFile(bucket.ID, "file-404", dest, transfer.ResolveOptions{
		OnFinished: func(err error, res transfer.DownloadResult) { ch <- downloadOutcome{err, res} },
	})
	require.NoError(t, err)

	down := wait(t, ch)
	require.Error(t, down.err)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+transfer.DefaultStagingSuffix)
}

func TestEngineCancelDownload(t *testing.T) {
	h := newHarness(t)
	bucket := h.server.AddBucket("b")
	up := h.upload(t, bucket.ID, "big.bin", bytes.Repeat([]byte{1}, 4096), transfer.StoreOptions{})
	require.NoError(t, up.err)

	release := h.server.BlockDownloads()
	defer release()

	dir := t.TempDir()
	dest := filepath.Join(dir, "big.bin")
	started := make(chan struct{}, 1)
	ch := make(chan downloadOutcome, 4)
	handle, err := h.manager.ResolveFile(bucket.ID, up.result.FileID, dest, transfer.ResolveOptions{
		OnProgress: func(transfer.Progress) {
			select {
			case started <- struct{}{}:
			default:
			}
		},
		OnFinished: func(err error, res transfer.DownloadResult) { ch <- downloadOutcome{err, res} },
	})
	require.NoError(t, err)

	wait(t, started)
	require.NoError(t, h.manager.ResolveFileCancel(handle))

	down := wait(t, ch)
	assert.ErrorIs(t, down.err, transfer.ErrCancelled)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+transfer.DefaultStagingSuffix)
	select {
	case extra := <-ch:
		t.Fatalf("second Finished: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewHTTPEngineValidation(t *testing.T) {
	_, err := network.NewHTTPEngine(network.EngineOptions{})
	assert.Error(t, err)

	_, client := newBridge(t, newSigningKey(t))
	_, err = network.NewHTTPEngine(network.EngineOptions{Bridge: client})
	assert.Error(t, err)
}
