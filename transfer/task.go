package transfer

import (
	"io"
	"math"
	"os"
	"sync"
)

// State is the lifecycle position of a transfer.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateRunning
	StateCancelling
	StateCommitting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Task is one accepted transfer. It is owned by the Registry from Bind until
// its terminal event.
type Task struct {
	Handle Handle
	Key    Key
	Kind   Kind

	bucketID string
	recordID string

	source   io.Closer
	staging  *os.File
	tempPath string
	destPath string

	onProgress         func(Progress)
	onUploadFinished   func(error, UploadResult)
	onDownloadFinished func(error, DownloadResult)

	mu              sync.Mutex
	state           State
	engineTask      EngineTask
	cancelRequested bool
	finished        bool
	lastFraction    float64
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(state State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// attach records the running engine task, forwarding a cancel that arrived first.
func (t *Task) attach(engineTask EngineTask) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.engineTask = engineTask
	cancel := t.cancelRequested
	if !cancel {
		t.state = StateRunning
	}
	t.mu.Unlock()

	if cancel && engineTask != nil {
		engineTask.Cancel()
	}
}

// requestCancel moves the task to Cancelling and cancels the engine task if attached.
func (t *Task) requestCancel() {
	t.mu.Lock()
	if t.finished || t.cancelRequested {
		t.mu.Unlock()
		return
	}
	t.cancelRequested = true
	t.state = StateCancelling
	engineTask := t.engineTask
	t.mu.Unlock()

	if engineTask != nil {
		engineTask.Cancel()
	}
}

// markFinished claims the terminal event. It returns false if it was already
// claimed, and whether a cancel had been requested.
func (t *Task) markFinished() (first, cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return false, t.cancelRequested
	}
	t.finished = true
	return true, t.cancelRequested
}

// clampProgress keeps the delivered fraction within [0,1] and non-decreasing.
// It returns false once the task has finished.
func (t *Task) clampProgress(fraction float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return 0, false
	}
	switch {
	case math.IsNaN(fraction) || fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	if fraction < t.lastFraction {
		fraction = t.lastFraction
	}
	t.lastFraction = fraction
	return fraction, true
}
