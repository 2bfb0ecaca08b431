package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is the failure a Future resolves with when it is cancelled
var ErrCancelled = errors.New("cancelled")

// Func is work run on a worker goroutine.  ctx is cancelled if the Future is.
type Func func(ctx context.Context) (interface{}, error)

type continuation struct {
	onSuccess func(interface{})
	onFailure func(error)
}

// Future is the eventual result of a Func.  It resolves exactly once: with
// the Func's return, with its error (a panic becomes an error), or with
// ErrCancelled.
type Future struct {
	loop *Loop

	mu       sync.Mutex
	resolved bool
	val      interface{}
	err      error
	conts    []continuation

	cancelCtx context.CancelFunc
	canceller func()
	done      chan struct{}
	exited    chan struct{}
}

// Go runs fn on a new goroutine.  canceller, if not nil, is called by Cancel
// before the Future resolves with ErrCancelled.  Continuations run on loop.
func Go(loop *Loop, fn Func, canceller func()) *Future {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Future{
		loop:      loop,
		cancelCtx: cancel,
		canceller: canceller,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go func() {
		defer close(f.exited)
		defer cancel()
		v, err := invoke(ctx, fn)
		f.resolve(v, err)
	}()
	return f
}

func invoke(ctx context.Context, fn Func) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// resolve records the outcome if there is none yet
func (f *Future) resolve(v interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		f.settle(v, err)
	}
}

// settle must be called with f.mu held.  Delivering under the lock keeps
// continuations in attachment order.
func (f *Future) settle(v interface{}, err error) {
	f.resolved = true
	f.val, f.err = v, err
	close(f.done)
	for _, c := range f.conts {
		f.deliver(c)
	}
	f.conts = nil
}

func (f *Future) deliver(c continuation) {
	val, err := f.val, f.err
	f.loop.Call(func() {
		if err != nil {
			if c.onFailure != nil {
				c.onFailure(err)
			}
			return
		}
		if c.onSuccess != nil {
			c.onSuccess(val)
		}
	})
}

// Then attaches continuations, run on the loop once the Future resolves, in
// the order they were attached.  Either may be nil.
func (f *Future) Then(onSuccess func(interface{}), onFailure func(error)) *Future {
	c := continuation{onSuccess: onSuccess, onFailure: onFailure}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		f.deliver(c)
	} else {
		f.conts = append(f.conts, c)
	}
	return f
}

// Cancel calls the canceller, cancels the worker's context, and resolves the
// Future with ErrCancelled.  It does nothing and returns false if the Future
// already resolved.  The canceller must not call back into the Future.
//
// The worker may still be running when Cancel returns; see Exited.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	if f.canceller != nil {
		f.canceller()
	}
	f.cancelCtx()
	f.settle(nil, ErrCancelled)
	return true
}

// Done is closed when the Future resolves
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Exited is closed when the worker's Func has returned, which for a
// cancelled Future may be well after Done
func (f *Future) Exited() <-chan struct{} {
	return f.exited
}

// Wait blocks until the Future resolves or ctx is done
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
