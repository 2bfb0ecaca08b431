/*Package task provides the two concurrency primitives experiments are run on.

A Loop is a single dispatch context: closures handed to Call run one at a
time, in order, on one goroutine.  Bookkeeping that must never race with
itself (queue state, listener callbacks) is marshaled onto a Loop from
whichever goroutine produced it.

A Future is the eventual result of a function run on its own worker
goroutine.  Continuations attached with Then are delivered on a Loop.
Futures can be cancelled; cancellation is cooperative, the worker's context is
cancelled and its late result is discarded.
*/
package task

import (
	"errors"
	"sync"
)

// ErrClosed is generated when Call is used on a Loop that has been closed
var ErrClosed = errors.New("dispatch loop is closed")

// Loop runs closures sequentially on a single goroutine.  The queue is
// unbounded, so Call never blocks, even from inside the loop.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// NewLoop starts a dispatch loop.  Close must be called to stop it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Call schedules fn to run on the loop after everything already scheduled
func (l *Loop) Call(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync runs fn on the loop and waits for it to return.  It must not be
// called from the loop itself.
func (l *Loop) Sync(fn func()) error {
	ran := make(chan struct{})
	err := l.Call(func() {
		defer close(ran)
		fn()
	})
	if err != nil {
		return err
	}
	<-ran
	return nil
}

// Close stops accepting new work, runs what is already queued, and waits
// for the loop goroutine to exit.  It must not be called from the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}
