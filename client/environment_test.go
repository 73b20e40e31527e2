package client

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gogenaro/crypto"
	"gogenaro/logging"
	"gogenaro/models"
	"gogenaro/network/bridgetest"
	"gogenaro/transfer"
)

const (
	testPassphrase = "correct horse"
	waitTimeout    = 10 * time.Second
)

type outcome[T any] struct {
	err    error
	result T
}

func await[T any](t *testing.T, ch chan outcome[T]) outcome[T] {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
		return outcome[T]{}
	}
}

func capture[T any]() (chan outcome[T], func(error, T)) {
	ch := make(chan outcome[T], 1)
	return ch, func(err error, result T) { ch <- outcome[T]{err, result} }
}

func captureErr() (chan outcome[struct{}], func(error)) {
	ch := make(chan outcome[struct{}], 1)
	return ch, func(err error) { ch <- outcome[struct{}]{err: err} }
}

func newKeyFile(t *testing.T) []byte {
	t.Helper()
	priv := make([]byte, 32)
	_, err := rand.Read(priv)
	require.NoError(t, err)
	raw, err := crypto.SealKeyFile(priv, testPassphrase, crypto.LightScryptN, crypto.LightScryptP)
	require.NoError(t, err)
	return raw
}

func newEnvironment(t *testing.T) (*Environment, *bridgetest.Server) {
	t.Helper()
	server := bridgetest.New()
	server.RequireSignature = true
	t.Cleanup(server.Close)

	env, err := New(Options{
		BridgeURL:  server.URL,
		KeyFile:    newKeyFile(t),
		Passphrase: testPassphrase,
		Logger:     logging.New(logging.LevelOff, nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = env.Destroy(ctx)
	})
	return env, server
}

func TestNewRejectsWrongPassphrase(t *testing.T) {
	_, err := New(Options{
		BridgeURL:  "https://bridge.example.com",
		KeyFile:    newKeyFile(t),
		Passphrase: "wrong",
		Logger:     logging.New(logging.LevelOff, nil),
	})
	require.ErrorIs(t, err, crypto.ErrKeyFileMismatch)
	assert.EqualError(t, err, "Key file and passphrase mismatch.")
}

func TestNewRejectsBadBridgeURL(t *testing.T) {
	_, err := New(Options{
		BridgeURL:  "ftp://",
		KeyFile:    newKeyFile(t),
		Passphrase: testPassphrase,
		Logger:     logging.New(logging.LevelOff, nil),
	})
	require.Error(t, err)
}

func TestGetInfo(t *testing.T) {
	env, _ := newEnvironment(t)

	ch, cb := capture[models.BridgeInfo]()
	require.NoError(t, env.GetInfo(cb))
	got := await(t, ch)
	require.NoError(t, got.err)
	assert.Equal(t, "Genaro Bridge", got.result.Title)
}

func TestBucketLifecycleEncryptsNames(t *testing.T) {
	env, server := newEnvironment(t)
	server.AddBucket("plain-legacy-name")

	created, createCb := capture[models.Bucket]()
	require.NoError(t, env.CreateBucket("photos", createCb))
	got := await(t, created)
	require.NoError(t, got.err)
	assert.Equal(t, "photos", got.result.Name)
	assert.True(t, got.result.Decrypted)
	bucketID := got.result.ID

	listed, listCb := capture[[]models.Bucket]()
	require.NoError(t, env.GetBuckets(listCb))
	buckets := await(t, listed)
	require.NoError(t, buckets.err)
	require.Len(t, buckets.result, 2)

	byName := make(map[string]models.Bucket)
	for _, b := range buckets.result {
		byName[b.Name] = b
	}
	assert.False(t, byName["plain-legacy-name"].Decrypted)
	assert.True(t, byName["photos"].Decrypted)

	raw, err := env.Bridge().GetBuckets(context.Background())
	require.NoError(t, err)
	for _, b := range raw {
		assert.NotEqual(t, "photos", b.Name)
		if b.ID == bucketID {
			name, err := env.DecryptName(b.Name)
			require.NoError(t, err)
			assert.Equal(t, "photos", name)
		}
	}

	renamed, renameCb := captureErr()
	require.NoError(t, env.RenameBucket(bucketID, "holiday", renameCb))
	require.NoError(t, await(t, renamed).err)

	listed, listCb = capture[[]models.Bucket]()
	require.NoError(t, env.GetBuckets(listCb))
	buckets = await(t, listed)
	require.NoError(t, buckets.err)
	names := make([]string, 0, len(buckets.result))
	for _, b := range buckets.result {
		names = append(names, b.Name)
	}
	assert.Contains(t, names, "holiday")

	deleted, deleteCb := captureErr()
	require.NoError(t, env.DeleteBucket(bucketID, deleteCb))
	require.NoError(t, await(t, deleted).err)

	deleted, deleteCb = captureErr()
	require.NoError(t, env.DeleteBucket(bucketID, deleteCb))
	err = await(t, deleted).err
	var engineErr *transfer.EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, 404, engineErr.StatusCode)
	assert.Contains(t, err.Error(), "Resource not found")
}

func TestStoreListResolveDelete(t *testing.T) {
	env, server := newEnvironment(t)
	bucket := server.AddBucket("docs")
	content := []byte("quarterly numbers, do not share")

	stored, storeCb := capture[transfer.UploadResult]()
	_, err := env.StoreFile(bucket.ID, transfer.BytesSource(content), transfer.StoreOptions{
		FileName:   "report.pdf",
		OnFinished: storeCb,
	})
	require.NoError(t, err)
	up := await(t, stored)
	require.NoError(t, up.err)
	require.NotEmpty(t, up.result.FileID)

	listed, listCb := capture[[]models.File]()
	require.NoError(t, env.ListFiles(bucket.ID, listCb))
	files := await(t, listed)
	require.NoError(t, files.err)
	require.Len(t, files.result, 1)
	assert.Equal(t, "report.pdf", files.result[0].Filename)
	assert.True(t, files.result[0].Decrypted)

	dest := filepath.Join(t.TempDir(), "report.pdf")
	resolved, resolveCb := capture[transfer.DownloadResult]()
	_, err = env.ResolveFile(bucket.ID, up.result.FileID, dest, transfer.ResolveOptions{OnFinished: resolveCb})
	require.NoError(t, err)
	down := await(t, resolved)
	require.NoError(t, down.err)
	assert.Equal(t, up.result.ContentHash, down.result.ContentHash)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	deleted, deleteCb := captureErr()
	require.NoError(t, env.DeleteFile(bucket.ID, up.result.FileID, deleteCb))
	require.NoError(t, await(t, deleted).err)
	_, exists := server.FileContent(bucket.ID, up.result.FileID)
	assert.False(t, exists)
}

func TestResolveFileCancel(t *testing.T) {
	env, server := newEnvironment(t)
	bucket := server.AddBucket("docs")
	stored, storeCb := capture[transfer.UploadResult]()
	_, err := env.StoreFile(bucket.ID, transfer.BytesSource(make([]byte, 4096)), transfer.StoreOptions{
		FileName:   "zeros.bin",
		OnFinished: storeCb,
	})
	require.NoError(t, err)
	up := await(t, stored)
	require.NoError(t, up.err)

	release := server.BlockDownloads()
	defer release()

	dir := t.TempDir()
	resolved, resolveCb := capture[transfer.DownloadResult]()
	handle, err := env.ResolveFile(bucket.ID, up.result.FileID, filepath.Join(dir, "zeros.bin"), transfer.ResolveOptions{
		OnFinished: resolveCb,
	})
	require.NoError(t, err)
	require.NoError(t, env.ResolveFileCancel(handle))

	down := await(t, resolved)
	require.ErrorIs(t, down.err, transfer.ErrCancelled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.ErrorIs(t, env.StoreFileCancel(handle), transfer.ErrUnknownHandle)
}

func TestDestroyIsIdempotentAndRejectsLaterCalls(t *testing.T) {
	env, _ := newEnvironment(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, env.Destroy(ctx))
	require.NoError(t, env.Destroy(ctx))

	assert.ErrorIs(t, env.GetInfo(nil), ErrDestroyed)
	_, err := env.StoreFile("b1", transfer.BytesSource([]byte("x")), transfer.StoreOptions{FileName: "x"})
	assert.ErrorIs(t, err, transfer.ErrManagerClosed)
}

func awaitDone(t *testing.T, env *Environment) {
	t.Helper()
	select {
	case <-env.Done():
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for teardown")
	}
}

func TestDestroyFromBridgeCallback(t *testing.T) {
	env, _ := newEnvironment(t)

	ch := make(chan error, 1)
	require.NoError(t, env.GetInfo(func(err error, _ models.BridgeInfo) {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		ch <- env.Destroy(ctx)
	}))

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Destroy did not return inside the callback")
	}
	awaitDone(t, env)
	assert.ErrorIs(t, env.GetInfo(nil), ErrDestroyed)
}

func TestDestroyFromFinishedCallbackCancelsOtherTransfers(t *testing.T) {
	env, server := newEnvironment(t)
	bucket := server.AddBucket("docs")
	stored, storeCb := capture[transfer.UploadResult]()
	_, err := env.StoreFile(bucket.ID, transfer.BytesSource(make([]byte, 4096)), transfer.StoreOptions{
		FileName:   "zeros.bin",
		OnFinished: storeCb,
	})
	require.NoError(t, err)
	up := await(t, stored)
	require.NoError(t, up.err)

	release := server.BlockDownloads()
	defer release()

	resolved, resolveCb := capture[transfer.DownloadResult]()
	_, err = env.ResolveFile(bucket.ID, up.result.FileID, filepath.Join(t.TempDir(), "zeros.bin"), transfer.ResolveOptions{
		OnFinished: resolveCb,
	})
	require.NoError(t, err)

	destroyed := make(chan error, 1)
	_, err = env.StoreFile(bucket.ID, transfer.BytesSource([]byte("last")), transfer.StoreOptions{
		FileName: "last.txt",
		OnFinished: func(error, transfer.UploadResult) {
			destroyed <- env.Destroy(context.Background())
		},
	})
	require.NoError(t, err)

	select {
	case err := <-destroyed:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Destroy did not return inside the callback")
	}
	down := await(t, resolved)
	assert.ErrorIs(t, down.err, transfer.ErrCancelled)
	awaitDone(t, env)
}

func TestTimestamp(t *testing.T) {
	env, _ := newEnvironment(t)
	before := time.Now().UnixMilli()
	ts := env.Timestamp()
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, time.Now().UnixMilli())
}
