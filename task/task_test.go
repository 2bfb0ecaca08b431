package task_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nasa-jpl/labauto/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoopRunsInOrder(t *testing.T) {
	loop := task.NewLoop()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Call(func() { got = append(got, i) })
	}
	loop.Close()
	if len(got) != 100 {
		t.Fatalf("expected 100 calls to run before Close returned, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("call %d ran in position %d", v, i)
		}
	}
}

func TestLoopCallFromInsideLoop(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	done := make(chan struct{})
	loop.Call(func() {
		loop.Call(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested Call never ran")
	}
}

func TestLoopClosed(t *testing.T) {
	loop := task.NewLoop()
	loop.Close()
	if err := loop.Call(func() {}); !errors.Is(err, task.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	loop.Close() // second close is harmless
}

func TestLoopIsSerial(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	var (
		active int
		peak   int
		wg     sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Sync(func() {
				active++
				if active > peak {
					peak = active
				}
				time.Sleep(time.Millisecond)
				active--
			})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("expected at most one closure running at a time, saw %d", peak)
	}
}

func TestFutureSuccess(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	f := task.Go(loop, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	}, nil)
	got := make(chan interface{}, 1)
	f.Then(func(v interface{}) { got <- v }, func(err error) { t.Errorf("unexpected failure %v", err) })
	v, err := f.Wait(waitCtx(t))
	if err != nil || v != 42 {
		t.Errorf("Wait returned %v, %v", v, err)
	}
	if v := <-got; v != 42 {
		t.Errorf("continuation received %v", v)
	}
}

func TestFutureFailureAndPanic(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	boom := errors.New("boom")
	f := task.Go(loop, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}, nil)
	if _, err := f.Wait(waitCtx(t)); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	f = task.Go(loop, func(ctx context.Context) (interface{}, error) {
		panic("oh no")
	}, nil)
	if _, err := f.Wait(waitCtx(t)); err == nil {
		t.Error("expected a panic to become an error")
	}
}

func TestThenAfterResolve(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	f := task.Go(loop, func(ctx context.Context) (interface{}, error) { return "x", nil }, nil)
	f.Wait(waitCtx(t))
	var order []int
	done := make(chan struct{})
	f.Then(func(interface{}) { order = append(order, 1) }, nil)
	f.Then(func(interface{}) { order = append(order, 2); close(done) }, nil)
	<-done
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("continuations ran out of order: %v", order)
	}
}

func TestCancel(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	release := make(chan struct{})
	exited := make(chan struct{})
	var events []string
	f := task.Go(loop, func(ctx context.Context) (interface{}, error) {
		defer close(exited)
		<-ctx.Done()
		<-release
		return "late", nil
	}, func() {
		loop.Call(func() { events = append(events, "canceller") })
	})
	failed := make(chan error, 1)
	f.Then(func(interface{}) { t.Error("cancelled future succeeded") }, func(err error) {
		events = append(events, "failure")
		failed <- err
	})
	if !f.Cancel() {
		t.Error("Cancel of a pending future reported false")
	}
	if err := <-failed; !errors.Is(err, task.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if len(events) != 2 || events[0] != "canceller" {
		t.Errorf("expected the canceller to be dispatched before the failure, got %v", events)
	}
	select {
	case <-f.Exited():
		t.Error("Exited closed while the worker was still blocked")
	default:
	}
	close(release)
	<-exited
	select {
	case <-f.Exited():
	case <-waitCtx(t).Done():
		t.Fatal("Exited never closed after the worker returned")
	}
	if _, err := f.Wait(waitCtx(t)); !errors.Is(err, task.ErrCancelled) {
		t.Errorf("late worker result replaced the cancellation: %v", err)
	}
	if f.Cancel() {
		t.Error("Cancel of a resolved future reported true")
	}
}
