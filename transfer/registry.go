package transfer

import (
	"sync"
)

// Handle is the opaque identifier returned to consumers for an accepted transfer.
type Handle uint64

// InvalidHandle is returned alongside pre-flight errors.
const InvalidHandle Handle = 0

// Registry tracks the active transfer per key. All operations are linearizable.
type Registry struct {
	mu         sync.Mutex
	keys       map[Key]Handle
	tasks      map[Handle]*Task
	nextHandle Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		keys:  make(map[Key]Handle),
		tasks: make(map[Handle]*Task),
	}
}

// TryBegin reserves key. It returns false if a transfer with the same key is active.
func (r *Registry) TryBegin(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key]; ok {
		return false
	}
	r.keys[key] = InvalidHandle
	return true
}

// Bind attaches task to a key reserved by TryBegin and allocates its handle.
// It returns false if key is not reserved or already bound.
func (r *Registry) Bind(key Key, task *Task) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.keys[key]
	if !ok || existing != InvalidHandle {
		return InvalidHandle, false
	}

	r.nextHandle++
	handle := r.nextHandle
	task.Handle = handle
	task.Key = key
	r.keys[key] = handle
	r.tasks[handle] = task
	return handle, true
}

// End releases key and forgets its task. Ending an unknown key is a no-op.
func (r *Registry) End(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.keys[key]
	if !ok {
		return
	}
	delete(r.keys, key)
	if handle != InvalidHandle {
		delete(r.tasks, handle)
	}
}

// Contains reports whether key is active.
func (r *Registry) Contains(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.keys[key]
	return ok
}

// Task returns the task bound to handle, or nil.
func (r *Registry) Task(handle Handle) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tasks[handle]
}

// Tasks returns a snapshot of bound tasks.
func (r *Registry) Tasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task)
	}
	return out
}

// Len returns the number of active keys, reserved or bound.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.keys)
}
