package transfer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gogenaro/logging"
)

// DefaultDispatcherCapacity is the queue length used when none is configured.
const DefaultDispatcherCapacity = 256

// ErrDispatcherStopped is returned by Post after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher runs posted callbacks one at a time, in post order, on a single
// goroutine. Post blocks while the queue is full.
type Dispatcher struct {
	queue       chan func()
	done        chan struct{}
	logger      *logrus.Logger
	dispatching atomic.Bool

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(capacity int, logger *logrus.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultDispatcherCapacity
	}
	return &Dispatcher{
		queue:  make(chan func(), capacity),
		done:   make(chan struct{}),
		logger: logging.Or(logger),
	}
}

// Start launches the dispatcher goroutine. Calling Start again is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopped {
		return
	}
	d.started = true
	go d.run()
}

// Post queues fn for the dispatcher goroutine. It holds the read lock while
// blocked on a full queue, so Stop waits for it.
func (d *Dispatcher) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}
	d.queue <- fn
	return nil
}

// Stop rejects further posts, runs everything already queued and waits for the
// dispatcher goroutine to exit. It must not be called from a callback.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		for fn := range d.queue {
			d.invoke(fn)
		}
		close(d.done)
		return
	}
	<-d.done
}

// Dispatching reports whether a callback is running.
func (d *Dispatcher) Dispatching() bool {
	return d.dispatching.Load()
}

// Len returns the number of queued callbacks.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for fn := range d.queue {
		d.invoke(fn)
	}
}

func (d *Dispatcher) invoke(fn func()) {
	d.dispatching.Store(true)
	defer func() {
		d.dispatching.Store(false)
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"function": "Dispatcher.invoke",
				"panic":    r,
			}).Error("Callback panicked")
		}
	}()
	fn()
}
