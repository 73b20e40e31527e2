package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gogenaro/logging"
)

const waitTimeout = 5 * time.Second

type fakeTask struct {
	upload   *UploadRequest
	download *DownloadRequest
	events   EngineEvents

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (t *fakeTask) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
}

type fakeEngine struct {
	mu        sync.Mutex
	tasks     []*fakeTask
	startErr  error
	started   chan *fakeTask
	uploads   int
	downloads int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan *fakeTask, 64)}
}

func (e *fakeEngine) StartUpload(_ context.Context, req UploadRequest) (EngineTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploads++
	if e.startErr != nil {
		return nil, e.startErr
	}
	task := &fakeTask{upload: &req, events: req.Events, cancelled: make(chan struct{})}
	e.tasks = append(e.tasks, task)
	e.started <- task
	return task, nil
}

func (e *fakeEngine) StartDownload(_ context.Context, req DownloadRequest) (EngineTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downloads++
	if e.startErr != nil {
		return nil, e.startErr
	}
	task := &fakeTask{download: &req, events: req.Events, cancelled: make(chan struct{})}
	e.tasks = append(e.tasks, task)
	e.started <- task
	return task, nil
}

func (e *fakeEngine) calls() (uploads, downloads int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploads, e.downloads
}

func (e *fakeEngine) next(t *testing.T) *fakeTask {
	t.Helper()
	select {
	case task := <-e.started:
		return task
	case <-time.After(waitTimeout):
		t.Fatal("engine was not started")
		return nil
	}
}

func newTestManager(t *testing.T, engine Engine, mutate ...func(*Options)) *Manager {
	t.Helper()

	opts := Options{
		Engine: engine,
		Logger: logging.New(logging.LevelOff, nil),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	manager, err := NewManager(opts)
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return manager
}

type uploadOutcome struct {
	err    error
	result UploadResult
}

type downloadOutcome struct {
	err    error
	result DownloadResult
}

func uploadCollector() (chan uploadOutcome, func(error, UploadResult)) {
	ch := make(chan uploadOutcome, 8)
	return ch, func(err error, res UploadResult) { ch <- uploadOutcome{err: err, result: res} }
}

func downloadCollector() (chan downloadOutcome, func(error, DownloadResult)) {
	ch := make(chan downloadOutcome, 8)
	return ch, func(err error, res DownloadResult) { ch <- downloadOutcome{err: err, result: res} }
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

func assertNoMore[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra callback: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func stagingFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+DefaultStagingSuffix))
	require.NoError(t, err)
	return matches
}

var errEngineRefused = errors.New("engine refused")
