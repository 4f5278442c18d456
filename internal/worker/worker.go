// Package worker provides the serial event queue that owns one capture
// device. Every device, session and rendering call for that device runs on the
// worker goroutine, in posting order.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/logging"
)

var log = logging.DefaultLogger.WithTag("worker")

var ErrStopped = errors.New("worker stopped")

// Kind identifies a class of delayed task. At most one task of each kind is
// pending; posting a new one replaces the old ("latest request wins").
type Kind string

type delayed struct {
	timer *time.Timer
}

type Worker struct {
	name string

	mu      sync.Mutex
	queue   []func()
	delayed map[Kind]*delayed
	stopped bool

	// Signalled (non-blocking) whenever the queue becomes non-empty.
	wake chan struct{}

	// Closed when Stop() is requested, to trigger run loop exit.
	quit chan struct{}

	// Closed when run loop actually terminates.
	terminated chan struct{}
}

// New starts a worker goroutine. The name is used in log messages only.
func New(name string) *Worker {
	w := &Worker{
		name:       name,
		delayed:    make(map[Kind]*delayed),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.terminated)
	log.Debug("Starting worker %s", w.name)

	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}

		for {
			select {
			case <-w.quit:
				return
			default:
			}

			fn := w.pop()
			if fn == nil {
				break
			}
			w.exec(fn)
		}
	}
}

func (w *Worker) pop() func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return nil
	}
	fn := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return fn
}

func (w *Worker) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker %s: task panicked: %v\n%s", w.name, r, debug.Stack())
		}
	}()
	fn()
}

// Post appends fn to the queue. It returns false if the worker is stopped.
func (w *Worker) Post(fn func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed runs fn on the worker after d, replacing any pending task of the
// same kind. A task cancelled before it starts never runs, even if its timer
// already fired.
func (w *Worker) PostDelayed(kind Kind, d time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if old := w.delayed[kind]; old != nil {
		old.timer.Stop()
	}

	entry := &delayed{}
	entry.timer = time.AfterFunc(d, func() {
		w.Post(func() {
			w.mu.Lock()
			current := w.delayed[kind] == entry
			if current {
				delete(w.delayed, kind)
			}
			w.mu.Unlock()

			if current {
				fn()
			}
		})
	})
	w.delayed[kind] = entry
}

// Cancel removes the pending task of the given kind. It reports whether one
// was pending.
func (w *Worker) Cancel(kind Kind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := w.delayed[kind]
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	delete(w.delayed, kind)
	return true
}

// CancelAll removes every pending delayed task.
func (w *Worker) CancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for kind, entry := range w.delayed {
		entry.timer.Stop()
		delete(w.delayed, kind)
	}
}

// Pending reports whether a task of the given kind is scheduled.
func (w *Worker) Pending(kind Kind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delayed[kind] != nil
}

// Sync waits until every task posted before the call has run. It must not be
// called from the worker goroutine.
func (w *Worker) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !w.Post(func() { close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-w.terminated:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the worker. Queued and delayed tasks are discarded. Stop
// waits for the running task to finish, so it must not be called from the
// worker goroutine.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.terminated
		return
	}
	w.stopped = true
	for kind, entry := range w.delayed {
		entry.timer.Stop()
		delete(w.delayed, kind)
	}
	w.queue = nil
	w.mu.Unlock()

	close(w.quit)
	<-w.terminated
	log.Debug("Stopped worker %s", w.name)
}
